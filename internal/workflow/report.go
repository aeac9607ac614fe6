package workflow

import (
	"time"

	"sqlrescue/internal/dbstats"
	"sqlrescue/internal/recovery"
)

// Report describes a finished session. Artifact fields hold download names,
// not paths, and are empty when the artifact was not produced.
type Report struct {
	SessionID string
	Mode      recovery.Mode
	SQLFile   string
	DBFile    string
	LogFile   string
	Result    recovery.Result
	Stats     *dbstats.Stats
	Duration  time.Duration
}

// Partial reports whether the winning strategy lost any tables.
func (r Report) Partial() bool {
	return r.Result.TablesFailed > 0
}

// RowsRecovered returns the row count of the materialized database.
func (r Report) RowsRecovered() int64 {
	if r.Stats == nil {
		return 0
	}
	return r.Stats.TotalRowCount
}
