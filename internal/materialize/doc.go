// Package materialize replays a recovered SQL script into a fresh database
// file by streaming it into the sqlite3 shell.
package materialize
