// Package daemon runs the long-lived sqlrescue server.
//
// It wires the workflow service, the session sweeper, the download reaper and
// the HTTP API into a single lifecycle with flock-based locking so only one
// daemon serves a log directory. Recovery requests run on the request
// goroutine; progress is streamed to any number of listeners per session as
// server-sent events.
//
// Keep request handling here: recovery semantics live in workflow and the
// packages it drives.
package daemon
