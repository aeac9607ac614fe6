// Package dbstats summarizes a materialized database: how many user tables it
// holds, how many rows each one has, and how large the file is.
//
// The database is opened read-only through the pure Go SQLite driver so no
// second copy of the shell is needed, and a table whose count fails is
// reported as empty rather than aborting the summary.
package dbstats
