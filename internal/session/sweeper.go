package session

import (
	"context"
	"log/slog"
	"time"

	"sqlrescue/internal/logging"
	"sqlrescue/internal/staging"
)

// Sweeper expires finished sessions and removes files no live session owns.
type Sweeper struct {
	store     *Store
	workDir   string
	outputDir string
	ttl       time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Expired int
	Removed []string
	Errors  int
}

// NewSweeper constructs a sweeper. Sessions are forgotten ttl after they
// finish; files older than ttl that no known session owns are deleted.
func NewSweeper(store *Store, workDir, outputDir string, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		workDir:   workDir,
		outputDir: outputDir,
		ttl:       ttl,
		interval:  interval,
		logger:    logging.NewComponentLogger(logger, "sweeper"),
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) SweepResult {
	var result SweepResult
	for _, sess := range s.store.Expire(now, s.ttl) {
		result.Expired++
		if err := RemoveArtifacts(s.outputDir, sess.ID); err != nil {
			result.Errors++
			logging.WarnWithContext(s.logger, "failed to remove expired artifacts", "artifact_cleanup_failed",
				logging.SessionID(sess.ID),
				logging.Error(err),
			)
		}
	}

	keep := s.store.IDs()
	for _, dir := range []string{s.workDir, s.outputDir} {
		cleaned := staging.CleanStale(ctx, dir, s.ttl, keep, s.logger)
		result.Removed = append(result.Removed, cleaned.Removed...)
		result.Errors += len(cleaned.Errors)
	}
	if result.Expired > 0 || len(result.Removed) > 0 {
		s.logger.Info("session sweep complete",
			logging.Int("expired", result.Expired),
			logging.Int("removed", len(result.Removed)),
			logging.Int("errors", result.Errors),
		)
	}
	return result
}

// Run sweeps on every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}
