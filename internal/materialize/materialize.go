package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"sqlrescue/internal/logging"
	"sqlrescue/internal/procexec"
	"sqlrescue/internal/services"
)

// Progress reports how much of the script the shell has consumed.
type Progress struct {
	Bytes   int64
	Total   int64
	Percent float64
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithTimeout bounds a single replay.
func WithTimeout(timeout time.Duration) Option {
	return func(m *Materializer) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithProgressInterval sets how often progress is reported.
func WithProgressInterval(interval time.Duration) Option {
	return func(m *Materializer) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Materializer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Materializer runs `sqlite3 -batch TARGET < script`.
type Materializer struct {
	binary   string
	runner   *procexec.Runner
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// New constructs a Materializer.
func New(binary string, runner *procexec.Runner, opts ...Option) *Materializer {
	if runner == nil {
		runner = procexec.NewRunner()
	}
	m := &Materializer{
		binary:   binary,
		runner:   runner,
		timeout:  10 * time.Minute,
		interval: 2 * time.Second,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(m.logger, "materialize")
	return m
}

// Materialize replays scriptPath into targetPath. Anything already at
// targetPath is removed first. Failures are *services.MaterializationError.
func (m *Materializer) Materialize(ctx context.Context, scriptPath, targetPath string, onProgress func(Progress)) error {
	fail := func(exitCode int, stderr string, err error) error {
		return &services.MaterializationError{
			Script:   scriptPath,
			Target:   targetPath,
			ExitCode: exitCode,
			Stderr:   stderr,
			Err:      err,
		}
	}

	info, err := os.Stat(scriptPath)
	if err != nil {
		return fail(0, "", services.Wrap(services.ErrNotFound, "materialize", "stat script", scriptPath, err))
	}
	if err := RemoveDatabase(targetPath); err != nil {
		return fail(0, "", err)
	}

	script, err := os.Open(scriptPath)
	if err != nil {
		return fail(0, "", err)
	}
	defer script.Close()

	total := info.Size()
	reader := &countingReader{r: script}
	stderr := procexec.NewTailBuffer(procexec.DefaultStderrTail)
	logger := logging.WithContext(ctx, m.logger)

	proc, err := m.runner.Start(ctx, m.binary, []string{"-batch", targetPath}, procexec.Options{
		Stdin:  reader,
		Stdout: io.Discard,
		Stderr: stderr,
	})
	if err != nil {
		return fail(-1, "", err)
	}
	logger.Info("materialization started",
		logging.String("script", scriptPath),
		logging.String("target", targetPath),
		logging.Int64("script_bytes", total),
	)

	report := func() {
		if onProgress == nil {
			return
		}
		done := reader.n.Load()
		percent := 100.0
		if total > 0 {
			percent = float64(done) / float64(total) * 100
		}
		if percent > 100 {
			percent = 100
		}
		onProgress(Progress{Bytes: done, Total: total, Percent: percent})
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	for {
		select {
		case <-proc.Done():
			report()
			if werr := proc.Wait(); werr != nil {
				return fail(proc.ExitCode(), stderr.String(), werr)
			}
			if code := proc.ExitCode(); code != 0 {
				logging.WarnWithContext(logger, "materialization failed", "materialize_failed",
					logging.Int("exit_code", code),
					logging.String("stderr", stderr.String()),
					logging.String(logging.FieldImpact, "SQL script remains available for manual replay"),
				)
				return fail(code, stderr.String(), nil)
			}
			logger.Info("materialization complete",
				logging.String("target", targetPath),
				logging.Duration("duration", time.Since(proc.Started())),
			)
			return nil
		case <-ticker.C:
			report()
		case <-timer.C:
			proc.Terminate()
			return fail(proc.ExitCode(), stderr.String(), &procexec.TimeoutError{Binary: m.binary, Timeout: m.timeout})
		case <-ctx.Done():
			proc.Terminate()
			return fail(proc.ExitCode(), stderr.String(), services.Wrap(services.ErrCanceled, "materialize", "replay", targetPath, ctx.Err()))
		}
	}
}

// RemoveDatabase deletes a database file and its journal siblings. Missing
// files are not an error.
func RemoveDatabase(path string) error {
	for _, candidate := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(candidate); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", candidate, err)
		}
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
