// Package recovery implements the fallback chain that turns a damaged SQLite
// file into a replayable SQL script.
//
// Strategies run strictly in order and the first success wins: the shell's
// .recover command, a streamed .dump supervised by the watchdog, an isolated
// dump of each table with placeholders for the ones that fail, the bare
// schema, and finally a script that only names the tables. Failures inside a
// strategy move the chain on; only a missing shell, cancellation or the
// exhaustion of every strategy is returned to the caller.
package recovery
