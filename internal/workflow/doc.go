// Package workflow runs recovery sessions end to end.
//
// A Service owns the shared machinery: the process runner and its registry,
// the sqlite3 client with its cached capability probe, the strategy chain,
// the materializer, the stats collector, the progress hub and the session
// store. Begin registers a session and its workspace; Recover drives it
// through intake, the strategy chain, materialization and stats collection
// under the mode's ceiling, publishing progress as it goes.
//
// Every session ends with exactly one terminal progress event. Workspace
// files are released on every path; the SQL script, database and session log
// artifacts stay in the output directory until downloaded or expired.
package workflow
