// Package main hosts the sqlrescue CLI entrypoint and command graph.
//
// The Cobra command tree either runs a recovery in-process ("recover"),
// serves the HTTP API ("serve"), or talks to a running daemon over that API
// ("status", "abort", "sessions", "stop"). Configuration resolution and
// address discovery live in commandContext so subcommands stay declarative.
package main
