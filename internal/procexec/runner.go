package procexec

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"sqlrescue/internal/logging"
	"sqlrescue/internal/services"
)

const (
	// DefaultGrace is how long a terminated process may take to exit before
	// it is killed outright.
	DefaultGrace = time.Second

	// DefaultStderrTail is how much trailing stderr Run keeps.
	DefaultStderrTail = 64 << 10
)

// Options configures a single invocation.
type Options struct {
	// Timeout bounds the whole run. Zero means no per-call timeout.
	Timeout time.Duration
	// Grace overrides the runner's SIGTERM to SIGKILL grace period.
	Grace time.Duration
	Stdin io.Reader
	// Stdout receives output instead of the in-memory capture when set.
	Stdout io.Writer
	// Stderr receives error output instead of the in-memory tail when set.
	Stderr io.Writer
	// MaxOutput caps captured stdout; the process is terminated past it.
	MaxOutput int64
	Dir       string
}

// Result describes a finished run.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Option configures the runner.
type Option func(*Runner)

// WithRegistry tracks every started process in reg.
func WithRegistry(reg *Registry) Option {
	return func(r *Runner) {
		if reg != nil {
			r.registry = reg
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithGrace sets the default SIGTERM to SIGKILL grace period.
func WithGrace(grace time.Duration) Option {
	return func(r *Runner) {
		if grace > 0 {
			r.grace = grace
		}
	}
}

// Runner starts and supervises external processes.
type Runner struct {
	registry *Registry
	logger   *slog.Logger
	grace    time.Duration
}

// NewRunner constructs a runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		registry: NewRegistry(),
		logger:   logging.NewNop(),
		grace:    DefaultGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.NewComponentLogger(r.logger, "procexec")
	return r
}

// Registry returns the registry tracking this runner's processes.
func (r *Runner) Registry() *Registry { return r.registry }

// Start spawns binary and returns immediately. The caller must eventually
// observe Done or call Terminate.
func (r *Runner) Start(ctx context.Context, binary string, args []string, opts Options) (*Process, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, &SpawnError{Binary: binary, Err: exec.ErrNotFound}
	}
	cmd := exec.Command(binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = opts.Dir
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	grace := opts.Grace
	if grace <= 0 {
		grace = r.grace
	}
	cmd.WaitDelay = 2 * grace

	if err := ctx.Err(); err != nil {
		return nil, services.Wrap(services.ErrCanceled, "procexec", "start", binary, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}

	proc := &Process{
		binary:  binary,
		cmd:     cmd,
		grace:   grace,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	id := r.registry.add(proc)
	proc.onExit = func() { r.registry.remove(id) }
	go proc.wait()

	logging.WithContext(ctx, r.logger).Debug("process started",
		logging.String("binary", binary),
		logging.Int("pid", proc.PID()),
		logging.String("args", strings.Join(args, " ")),
	)
	return proc, nil
}

// Run executes binary to completion and captures its output. A nonzero exit
// status is reported in Result, not as an error. Timeouts yield *TimeoutError,
// missing binaries *SpawnError, and caller cancellation an ErrCanceled-marked
// error; in every case the child has exited before Run returns.
func (r *Runner) Run(ctx context.Context, binary string, args []string, opts Options) (Result, error) {
	stdout := newCappedBuffer(opts.MaxOutput)
	stderr := NewTailBuffer(DefaultStderrTail)
	runOpts := opts
	if runOpts.Stdout == nil {
		runOpts.Stdout = stdout
	}
	if runOpts.Stderr == nil {
		runOpts.Stderr = stderr
	}

	proc, err := r.Start(ctx, binary, args, runOpts)
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	exceeded := stdout.exceeded
	if opts.Stdout != nil || opts.MaxOutput <= 0 {
		exceeded = nil
	}

	collect := func() Result {
		return Result{
			ExitCode: proc.ExitCode(),
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Duration: time.Since(proc.Started()),
		}
	}

	select {
	case <-proc.Done():
		if werr := proc.Wait(); werr != nil {
			return collect(), fmt.Errorf("wait %s: %w", binary, werr)
		}
		return collect(), nil
	case <-timeout:
		proc.Terminate()
		r.logger.Debug("process timed out", logging.String("binary", binary), logging.Duration("timeout", opts.Timeout))
		return collect(), &TimeoutError{Binary: binary, Timeout: opts.Timeout, Result: collect()}
	case <-exceeded:
		proc.Terminate()
		return collect(), &OutputLimitError{Binary: binary, Limit: opts.MaxOutput}
	case <-ctx.Done():
		proc.Terminate()
		return collect(), services.Wrap(services.ErrCanceled, "procexec", "run", binary, ctx.Err())
	}
}
