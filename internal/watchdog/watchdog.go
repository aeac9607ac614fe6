package watchdog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"sqlrescue/internal/logging"
	"sqlrescue/internal/procexec"
	"sqlrescue/internal/services"
)

// Progress is a periodic snapshot of a streaming run.
type Progress struct {
	State   State
	Bytes   int64
	Elapsed time.Duration
	// Rate is the average throughput in bytes per second since start.
	Rate float64
}

// Outcome describes how a streaming run ended. Partial output stays in the
// destination file; the caller decides whether to keep it.
type Outcome struct {
	State    State
	Bytes    int64
	Elapsed  time.Duration
	ExitCode int
	Stderr   string
}

// Err converts a non-successful outcome into a classified error.
func (o Outcome) Err() error {
	if o.State == StateCompleted {
		return nil
	}
	return &KillError{Outcome: o}
}

// KillError describes a run that did not complete cleanly.
type KillError struct {
	Outcome Outcome
}

func (e *KillError) Error() string {
	msg := fmt.Sprintf("%s after %s with %d bytes written", e.Outcome.State, e.Outcome.Elapsed.Round(time.Millisecond), e.Outcome.Bytes)
	if stderr := strings.TrimSpace(e.Outcome.Stderr); stderr != "" {
		msg += ": " + lastLine(stderr)
	}
	return msg
}

func (e *KillError) Unwrap() error {
	switch e.Outcome.State {
	case StateKilledNoOutput, StateKilledStalled:
		return services.ErrStalled
	case StateKilledTimeout:
		return services.ErrTimeout
	case StateCanceled:
		return services.ErrCanceled
	default:
		return services.ErrExternalTool
	}
}

// Watchdog streams a child's stdout to a file while watching for hangs.
type Watchdog struct {
	runner *procexec.Runner
	limits Limits
	logger *slog.Logger
}

// New constructs a watchdog. Zero-valued limits fall back to DefaultLimits,
// except StallMinBytes where zero disables stall detection.
func New(runner *procexec.Runner, limits Limits, logger *slog.Logger) *Watchdog {
	if runner == nil {
		runner = procexec.NewRunner()
	}
	return &Watchdog{
		runner: runner,
		limits: limits.withDefaults(),
		logger: logging.NewComponentLogger(logger, "watchdog"),
	}
}

// Limits returns the effective thresholds.
func (w *Watchdog) Limits() Limits { return w.limits }

// Stream runs binary with args, writing stdout to destPath (truncated first).
// The returned error is reserved for problems outside the state machine:
// spawn failures, destination file errors and caller cancellation. Kill
// outcomes are reported through Outcome.State.
func (w *Watchdog) Stream(ctx context.Context, binary string, args []string, destPath string, onProgress func(Progress)) (Outcome, error) {
	file, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Outcome{State: StateFailed}, services.Wrap(services.ErrExternalTool, "watchdog", "open destination", destPath, err)
	}
	counter := &countingWriter{w: file}
	stderr := procexec.NewTailBuffer(procexec.DefaultStderrTail)

	proc, err := w.runner.Start(ctx, binary, args, procexec.Options{Stdout: counter, Stderr: stderr})
	if err != nil {
		_ = file.Close()
		return Outcome{State: StateFailed, ExitCode: -1}, err
	}

	logger := logging.WithContext(ctx, w.logger)
	mon := newMonitor(w.limits, proc.Started())
	check := time.NewTicker(w.limits.CheckInterval)
	defer check.Stop()
	report := time.NewTicker(w.limits.ProgressInterval)
	defer report.Stop()

	emit := func(now time.Time) {
		if onProgress == nil {
			return
		}
		bytes := counter.Load()
		elapsed := now.Sub(mon.start)
		rate := 0.0
		if secs := elapsed.Seconds(); secs > 0 {
			rate = float64(bytes) / secs
		}
		onProgress(Progress{State: mon.state, Bytes: bytes, Elapsed: elapsed, Rate: rate})
	}

	var ctxErr error
loop:
	for {
		select {
		case <-proc.Done():
			mon.finish(time.Now(), counter.Load(), proc.ExitCode())
			break loop
		case <-ctx.Done():
			mon.cancel(time.Now())
			ctxErr = ctx.Err()
			proc.Terminate()
			break loop
		case now := <-check.C:
			if state := mon.observe(now, counter.Load()); state.Killed() {
				logger.Info("watchdog terminating process",
					logging.String("state", string(state)),
					logging.Int64("bytes", counter.Load()),
					logging.Duration("elapsed", mon.elapsed(now)),
				)
				proc.Terminate()
				break loop
			}
		case now := <-report.C:
			emit(now)
		}
	}

	syncErr := file.Sync()
	closeErr := file.Close()

	now := time.Now()
	outcome := Outcome{
		State:    mon.state,
		Bytes:    counter.Load(),
		Elapsed:  mon.elapsed(now),
		ExitCode: proc.ExitCode(),
		Stderr:   stderr.String(),
	}
	emit(now)

	logger.Debug("stream finished",
		logging.String("binary", binary),
		logging.String("state", string(outcome.State)),
		logging.Int64("bytes", outcome.Bytes),
		logging.Int("exit_code", outcome.ExitCode),
		logging.Duration("elapsed", outcome.Elapsed),
	)

	if ctxErr != nil {
		return outcome, services.Wrap(services.ErrCanceled, "watchdog", "stream", binary, ctxErr)
	}
	if syncErr != nil {
		return outcome, services.Wrap(services.ErrExternalTool, "watchdog", "sync destination", destPath, syncErr)
	}
	if closeErr != nil {
		return outcome, services.Wrap(services.ErrExternalTool, "watchdog", "close destination", destPath, closeErr)
	}
	return outcome, nil
}

type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingWriter) Load() int64 { return c.n.Load() }

func lastLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[idx+1:])
	}
	return s
}
