package sqlitecli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sqlrescue/internal/logging"
	"sqlrescue/internal/procexec"
	"sqlrescue/internal/services"
)

// Capabilities records what the installed shell can do. It is probed once per
// client and reused for every session.
type Capabilities struct {
	Version  string
	Recover  bool
	Detail   string
	ProbedAt time.Time
}

// Option configures the client.
type Option func(*Client)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProbeTimeout bounds each capability probe invocation.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.probeTimeout = timeout
		}
	}
}

// Client wraps sqlite3 shell interactions.
type Client struct {
	binary       string
	runner       *procexec.Runner
	logger       *slog.Logger
	probeTimeout time.Duration

	probeMu sync.Mutex
	probed  atomic.Pointer[Capabilities]
}

// New constructs a sqlite3 client.
func New(binary string, runner *procexec.Runner, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("sqlite3 binary required")
	}
	if runner == nil {
		runner = procexec.NewRunner()
	}
	c := &Client{
		binary:       binary,
		runner:       runner,
		logger:       logging.NewNop(),
		probeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "sqlitecli")
	return c, nil
}

// Binary returns the shell executable.
func (c *Client) Binary() string { return c.binary }

// Runner returns the process runner used for every invocation.
func (c *Client) Runner() *procexec.Runner { return c.runner }

// Probe discovers the shell version and whether .recover is available. The
// first successful answer is cached for the life of the client. A SpawnError
// means the shell itself is unusable; errors are not cached.
func (c *Client) Probe(ctx context.Context) (Capabilities, error) {
	if caps := c.probed.Load(); caps != nil {
		return *caps, nil
	}
	c.probeMu.Lock()
	defer c.probeMu.Unlock()
	if caps := c.probed.Load(); caps != nil {
		return *caps, nil
	}
	caps, err := c.probe(ctx)
	if err != nil {
		return caps, err
	}
	c.probed.Store(&caps)
	return caps, nil
}

// Probed returns the cached capabilities, if Probe has completed.
func (c *Client) Probed() (Capabilities, bool) {
	caps := c.probed.Load()
	if caps == nil {
		return Capabilities{}, false
	}
	return *caps, true
}

func (c *Client) probe(ctx context.Context) (Capabilities, error) {
	caps := Capabilities{ProbedAt: time.Now()}
	opts := procexec.Options{Timeout: c.probeTimeout, MaxOutput: 1 << 20}

	version, err := c.runner.Run(ctx, c.binary, []string{"-version"}, opts)
	if err != nil {
		if !services.IsRecoverable(err) {
			return caps, err
		}
		caps.Detail = err.Error()
	} else if fields := strings.Fields(string(version.Stdout)); len(fields) > 0 {
		caps.Version = fields[0]
	}

	res, err := c.runner.Run(ctx, c.binary, Args(":memory:", ".recover"), opts)
	switch {
	case err != nil:
		if !services.IsRecoverable(err) {
			return caps, err
		}
		caps.Detail = err.Error()
	case res.ExitCode != 0 || unknownCommand(res.Stdout) || unknownCommand(res.Stderr):
		caps.Detail = firstLine(string(res.Stderr), string(res.Stdout))
	default:
		caps.Recover = true
	}

	attrs := []logging.Attr{
		logging.String("binary", c.binary),
		logging.String("version", caps.Version),
		logging.Bool("recover_supported", caps.Recover),
	}
	if caps.Recover {
		c.logger.Info("sqlite3 capability probe complete", logging.Args(attrs...)...)
	} else {
		logging.WarnWithContext(c.logger, "sqlite3 lacks .recover; primary strategy disabled", "capability_probe",
			append(attrs,
				logging.String("detail", caps.Detail),
				logging.String(logging.FieldErrorHint, "install a sqlite3 shell built with the recover extension"),
				logging.String(logging.FieldImpact, "recovery starts from the .dump strategy"),
			)...,
		)
	}
	return caps, nil
}

// ListTables enumerates user tables in dbPath, falling back to .tables when
// the metadata query fails on a damaged schema.
func (c *Client) ListTables(ctx context.Context, dbPath string, timeout time.Duration) ([]string, error) {
	opts := procexec.Options{Timeout: timeout, MaxOutput: 16 << 20}
	res, err := c.runner.Run(ctx, c.binary, []string{"-batch", "-readonly", "-noheader", "-list", dbPath, tableListQuery}, opts)
	if err == nil && res.ExitCode == 0 {
		if names := ParseTableNames(string(res.Stdout)); len(names) > 0 {
			return names, nil
		}
	}
	if err != nil && !services.IsRecoverable(err) {
		return nil, err
	}

	fallback, ferr := c.runner.Run(ctx, c.binary, Args(dbPath, TablesCommand), opts)
	if ferr != nil {
		if !services.IsRecoverable(ferr) {
			return nil, ferr
		}
		return nil, services.Wrap(services.ErrExternalTool, "sqlitecli", "list tables", dbPath, ferr)
	}
	names := ParseTablesColumns(string(fallback.Stdout))
	if len(names) == 0 && fallback.ExitCode != 0 {
		return nil, services.Wrap(services.ErrExternalTool, "sqlitecli", "list tables", firstLine(string(fallback.Stderr)), nil)
	}
	return names, nil
}

// Run executes the shell with args.
func (c *Client) Run(ctx context.Context, args []string, opts procexec.Options) (procexec.Result, error) {
	return c.runner.Run(ctx, c.binary, args, opts)
}

func unknownCommand(output []byte) bool {
	lower := bytes.ToLower(output)
	return bytes.Contains(lower, []byte("unknown command")) || bytes.Contains(lower, []byte("unknown dot command"))
}

func firstLine(candidates ...string) string {
	for _, candidate := range candidates {
		for _, line := range strings.Split(candidate, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
