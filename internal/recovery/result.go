package recovery

import "time"

// StrategyResult is what every strategy reports back to the chain.
type StrategyResult struct {
	Strategy        Strategy      `json:"strategy"`
	Success         bool          `json:"success"`
	ErrorDetail     string        `json:"errorDetail,omitempty"`
	TablesRecovered int           `json:"tablesRecovered,omitempty"`
	TablesFailed    int           `json:"tablesFailed,omitempty"`
	FailedTables    []string      `json:"failedTables,omitempty"`
	Bytes           int64         `json:"bytes"`
	Duration        time.Duration `json:"duration"`

	// err is the underlying failure; fatal ones stop the chain.
	err error
}

// Err returns the failure behind an unsuccessful result.
func (r StrategyResult) Err() error { return r.err }

// Partial reports a success that still lost some tables.
func (r StrategyResult) Partial() bool {
	return r.Success && r.TablesFailed > 0
}

func failed(strategy Strategy, err error) StrategyResult {
	res := StrategyResult{Strategy: strategy, err: err}
	if err != nil {
		res.ErrorDetail = err.Error()
	}
	return res
}

// Result summarizes a whole chain run.
type Result struct {
	Strategy        Strategy         `json:"strategy,omitempty"`
	OutputPath      string           `json:"-"`
	Bytes           int64            `json:"bytes"`
	TablesRecovered int              `json:"tablesRecovered"`
	TablesFailed    int              `json:"tablesFailed"`
	FailedTables    []string         `json:"failedTables,omitempty"`
	Attempts        []StrategyResult `json:"attempts"`
	RecoverSkipped  bool             `json:"recoverSkipped,omitempty"`
}

// Winner returns the successful attempt, if any.
func (r Result) Winner() (StrategyResult, bool) {
	for _, attempt := range r.Attempts {
		if attempt.Success {
			return attempt, true
		}
	}
	return StrategyResult{}, false
}

// Event is a progress notification from inside the chain. Percent is
// relative to the current strategy; negative means unknown.
type Event struct {
	Strategy Strategy
	Step     int
	Steps    int
	Percent  float64
	Message  string
	Detail   string
}
