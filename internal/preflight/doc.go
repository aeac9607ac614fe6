// Package preflight provides readiness checks for the sqlite3 shell and the
// directories sqlrescue writes to.
//
// These checks run in two contexts:
//   - The serve runtime calls RunAll before starting the daemon and refuses
//     to start when a required check fails.
//   - The CLI "sqlrescue status" command uses individual check functions
//     (CheckDaemon, CheckDirectoryAccess) to display service health.
package preflight
