// Package procexec spawns external commands in their own process group and
// guarantees they go away: every run carries a timeout, and termination sends
// SIGTERM to the whole group before escalating to SIGKILL after a grace
// period.
//
// Run captures bounded stdout/stderr in memory for short commands. Start
// returns a Process handle for callers that stream output elsewhere and
// supervise the child themselves. A Registry tracks live processes so an abort
// request can terminate everything at once.
package procexec
