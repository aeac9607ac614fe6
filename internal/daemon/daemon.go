package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"sqlrescue/internal/config"
	"sqlrescue/internal/logging"
	"sqlrescue/internal/services/sqlitecli"
	"sqlrescue/internal/session"
	"sqlrescue/internal/staging"
	"sqlrescue/internal/workflow"
)

// LockFileName is created in the log directory while a daemon runs.
const LockFileName = "sqlrescue.lock"

// Daemon owns the server lifecycle and enforces single-instance execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	svc       *workflow.Service
	sweeper   *session.Sweeper
	downloads *downloadReaper
	api       *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Activity classifies how recently the daemon produced an artifact.
type Activity string

const (
	ActivityActive  Activity = "active"
	ActivityStalled Activity = "stalled"
	ActivityIdle    Activity = "idle"
)

// Status represents daemon runtime information.
type Status struct {
	Running         bool
	PID             int
	LockFilePath    string
	Activity        Activity
	LastArtifact    *staging.EntryInfo
	LiveSessions    int
	Processes       int
	WatchedSessions int
	SQLiteBinary    string
	Capabilities    sqlitecli.Capabilities
	Probed          bool
}

// New constructs a daemon around svc.
func New(cfg *config.Config, logger *slog.Logger, svc *workflow.Service) (*Daemon, error) {
	if cfg == nil || svc == nil {
		return nil, errors.New("daemon requires config and workflow service")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "daemon")

	lockPath := filepath.Join(cfg.Paths.LogDir, LockFileName)
	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		svc:    svc,
		sweeper: session.NewSweeper(svc.Store(), cfg.Paths.WorkDir, cfg.Paths.OutputDir,
			config.Seconds(cfg.Retention.SessionTTL), config.Seconds(cfg.Retention.SweepInterval), logger),
		downloads: newDownloadReaper(config.Seconds(cfg.Retention.DownloadTTL), logger),
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, launches the sweeper and begins serving
// the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another sqlrescue daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.api.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sweeper.Run(runCtx)
	}()

	d.running.Store(true)
	d.logger.Info("sqlrescue daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.address()),
	)
	return nil
}

// Stop cancels running sessions, stops the API and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	aborted := d.svc.Abort()
	d.api.stop()
	d.wg.Wait()
	d.downloads.stop()

	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_unlock_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "a new daemon may refuse to start until the lock file is removed"),
		)
	}
	d.running.Store(false)
	d.logger.Info("sqlrescue daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stopped"),
		logging.Int("sessions_canceled", aborted.Sessions),
		logging.Int("processes_terminated", aborted.Processes),
	)
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Handler returns the API routes, for embedding and tests.
func (d *Daemon) Handler() http.Handler {
	return d.api.handler()
}

// Address returns the API listen address once started.
func (d *Daemon) Address() string {
	return d.api.address()
}

// Status returns the current daemon status.
func (d *Daemon) Status(context.Context) Status {
	status := Status{
		Running:         d.running.Load(),
		PID:             os.Getpid(),
		LockFilePath:    d.lockPath,
		Activity:        ActivityIdle,
		LiveSessions:    len(d.svc.Store().Running()),
		Processes:       d.svc.Processes().Len(),
		WatchedSessions: d.svc.Hub().Sessions(),
		SQLiteBinary:    d.cfg.SQLiteBinary(),
	}
	status.Capabilities, status.Probed = d.svc.ProbedCapabilities()

	newest, found, err := staging.Newest(d.cfg.Paths.OutputDir)
	if err != nil {
		d.logger.Debug("status scan failed", logging.Error(err))
	}
	if found {
		status.LastArtifact = &newest
		status.Activity = classifyActivity(time.Since(newest.ModTime),
			config.Seconds(d.cfg.Retention.ActiveWindow),
			config.Seconds(d.cfg.Retention.StalledWindow))
	}
	return status
}

func classifyActivity(age, active, stalled time.Duration) Activity {
	switch {
	case age <= active:
		return ActivityActive
	case age <= stalled:
		return ActivityStalled
	default:
		return ActivityIdle
	}
}
