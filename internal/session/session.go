package session

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"sqlrescue/internal/dbstats"
	"sqlrescue/internal/progress"
	"sqlrescue/internal/recovery"
	"sqlrescue/internal/services"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID reports whether id can name a session and its artifacts.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Outcome is how a session ended.
type Outcome struct {
	Status   Status            `json:"status"`
	Error    string            `json:"error,omitempty"`
	Strategy recovery.Strategy `json:"strategy,omitempty"`
	SQLFile  string            `json:"sqlFile,omitempty"`
	DBFile   string            `json:"dbFile,omitempty"`
	LogFile  string            `json:"logFile,omitempty"`
}

// Session is one recovery attempt.
type Session struct {
	ID        string
	Mode      recovery.Mode
	Options   recovery.Options
	CreatedAt time.Time

	mu         sync.Mutex
	events     []progress.Event
	outcome    Outcome
	finishedAt time.Time
	result     recovery.Result
	stats      *dbstats.Stats
	cancel     context.CancelFunc

	materialized atomic.Bool
}

// Summary is a point-in-time copy of a session.
type Summary struct {
	ID         string                    `json:"id"`
	Mode       recovery.Mode             `json:"mode"`
	CreatedAt  time.Time                 `json:"createdAt"`
	FinishedAt *time.Time                `json:"finishedAt,omitempty"`
	Outcome    Outcome                   `json:"outcome"`
	Attempts   []recovery.StrategyResult `json:"attempts,omitempty"`
	Stats      *dbstats.Stats            `json:"stats,omitempty"`
	Events     []progress.Event          `json:"events"`
}

// Record appends ev to the session history.
func (s *Session) Record(ev progress.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

// Events returns a copy of the recorded history.
func (s *Session) Events() []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.Event(nil), s.events...)
}

// SetCancel installs the function Cancel invokes.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// Cancel stops a running session. It reports whether there was anything to
// cancel.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	cancel := s.cancel
	running := s.outcome.Status == StatusRunning
	s.mu.Unlock()
	if cancel == nil || !running {
		return false
	}
	cancel()
	return true
}

// ClaimMaterialization succeeds once per session; later calls fail.
func (s *Session) ClaimMaterialization() error {
	if !s.materialized.CompareAndSwap(false, true) {
		return services.Wrap(services.ErrValidation, "session", "materialize", "session "+s.ID+" already materialized a database", nil)
	}
	return nil
}

// SetResult stores the strategy chain result.
func (s *Session) SetResult(result recovery.Result) {
	s.mu.Lock()
	s.result = result
	s.mu.Unlock()
}

// SetStats stores the materialized database stats.
func (s *Session) SetStats(stats dbstats.Stats) {
	s.mu.Lock()
	s.stats = &stats
	s.mu.Unlock()
}

// Finish records the outcome. Only the first call takes effect.
func (s *Session) Finish(outcome Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome.Status != StatusRunning {
		return false
	}
	s.outcome = outcome
	s.finishedAt = time.Now()
	s.cancel = nil
	return true
}

// Outcome returns the current outcome.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Running reports whether the session has not finished.
func (s *Session) Running() bool {
	return s.Outcome().Status == StatusRunning
}

// FinishedAt returns when the session ended, or zero while it runs.
func (s *Session) FinishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedAt
}

// Summary snapshots the session.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{
		ID:        s.ID,
		Mode:      s.Mode,
		CreatedAt: s.CreatedAt,
		Outcome:   s.outcome,
		Attempts:  append([]recovery.StrategyResult(nil), s.result.Attempts...),
		Events:    append([]progress.Event(nil), s.events...),
	}
	if !s.finishedAt.IsZero() {
		finished := s.finishedAt
		sum.FinishedAt = &finished
	}
	if s.stats != nil {
		stats := *s.stats
		sum.Stats = &stats
	}
	return sum
}
