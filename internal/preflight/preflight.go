package preflight

import (
	"context"

	"sqlrescue/internal/config"
	"sqlrescue/internal/services/sqlitecli"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Prober runs the sqlite3 capability probe.
type Prober interface {
	Capabilities(ctx context.Context) (sqlitecli.Capabilities, error)
}

// RunAll executes every readiness check for the given config. The sqlite3
// probe is skipped when prober is nil.
func RunAll(ctx context.Context, cfg *config.Config, prober Prober) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Work directory", cfg.Paths.WorkDir),
		CheckDirectoryAccess("Output directory", cfg.Paths.OutputDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}
	if prober != nil {
		results = append(results, CheckSQLiteShell(ctx, cfg.SQLiteBinary(), prober))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
