package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sqlrescue/internal/config"
	"sqlrescue/internal/dbstats"
	"sqlrescue/internal/logging"
	"sqlrescue/internal/materialize"
	"sqlrescue/internal/metrics"
	"sqlrescue/internal/notifications"
	"sqlrescue/internal/procexec"
	"sqlrescue/internal/progress"
	"sqlrescue/internal/recovery"
	"sqlrescue/internal/services"
	"sqlrescue/internal/services/sqlitecli"
	"sqlrescue/internal/session"
	"sqlrescue/internal/watchdog"
)

// progressRate caps in-phase progress frames per second and session.
const progressRate = 4

// Service coordinates recovery sessions.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	runner       *procexec.Runner
	cli          *sqlitecli.Client
	chain        *recovery.Chain
	materializer *materialize.Materializer
	collector    *dbstats.Collector
	hub          *progress.Hub
	store        *session.Store
	metrics      *metrics.Metrics
	notifier     notifications.Service
}

// New wires a Service from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "workflow", "init", "configuration is required", nil)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	runner := procexec.NewRunner(
		procexec.WithRegistry(procexec.NewRegistry()),
		procexec.WithLogger(logger),
		procexec.WithGrace(config.Millis(cfg.Recovery.KillGraceMillis)),
	)
	cli, err := sqlitecli.New(cfg.SQLiteBinary(), runner,
		sqlitecli.WithLogger(logger),
		sqlitecli.WithProbeTimeout(config.Seconds(cfg.SQLite.ProbeTimeout)),
	)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "workflow", "init", "sqlite3 client", err)
	}
	wd := watchdog.New(runner, WatchdogLimits(cfg), logger)

	hub := progress.NewHub()
	s := &Service{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "workflow"),
		runner: runner,
		cli:    cli,
		chain:  recovery.NewChain(cli, wd, StrategyTimeouts(cfg), logger),
		materializer: materialize.New(cfg.SQLiteBinary(), runner,
			materialize.WithTimeout(config.Seconds(cfg.Materialize.Timeout)),
			materialize.WithProgressInterval(config.Seconds(cfg.Materialize.ProgressInterval)),
			materialize.WithLogger(logger),
		),
		collector: dbstats.NewCollector(logger),
		hub:       hub,
		store:     session.NewStore(logger),
		metrics:   metrics.New(func() float64 { return float64(hub.Dropped()) }),
		notifier:  notifications.NewService(cfg),
	}
	return s, nil
}

// WatchdogLimits converts the [watchdog] section into monitor thresholds.
func WatchdogLimits(cfg *config.Config) watchdog.Limits {
	return watchdog.Limits{
		NoOutputGrace:    config.Seconds(cfg.Watchdog.NoOutputGrace),
		StallWindow:      config.Seconds(cfg.Watchdog.StallWindow),
		StallMinBytes:    config.MiB(cfg.Watchdog.StallMinMiB),
		Ceiling:          config.Seconds(cfg.Watchdog.Ceiling),
		SignificantJump:  config.MiB(cfg.Watchdog.SignificantJumpMiB),
		CheckInterval:    config.Millis(cfg.Watchdog.CheckIntervalMillis),
		ProgressInterval: config.Seconds(cfg.Watchdog.ProgressInterval),
	}
}

// StrategyTimeouts converts the [recovery] section into per-strategy bounds.
func StrategyTimeouts(cfg *config.Config) recovery.Timeouts {
	return recovery.Timeouts{
		Primary:          config.Seconds(cfg.Recovery.PrimaryTimeout),
		Table:            config.Seconds(cfg.Recovery.TableTimeout),
		List:             config.Seconds(cfg.Recovery.ListTimeout),
		Schema:           config.Seconds(cfg.Recovery.SchemaTimeout),
		MaxPrimaryOutput: config.MiB(cfg.Recovery.MaxPrimaryOutputMiB),
	}
}

// Ceiling returns the whole-session time limit for mode.
func (s *Service) Ceiling(mode recovery.Mode) time.Duration {
	if mode == recovery.ModeTablewise {
		return config.Seconds(s.cfg.Recovery.ExhaustiveCeiling)
	}
	return config.Seconds(s.cfg.Recovery.StandardCeiling)
}

// Notifier returns the session-outcome notifier.
func (s *Service) Notifier() notifications.Service { return s.notifier }

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config { return s.cfg }

// Hub returns the progress hub.
func (s *Service) Hub() *progress.Hub { return s.hub }

// Store returns the session store.
func (s *Service) Store() *session.Store { return s.store }

// Metrics returns the service's collectors.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Processes returns the registry of live external processes.
func (s *Service) Processes() *procexec.Registry { return s.runner.Registry() }

// Capabilities probes the sqlite3 shell once and returns the cached answer.
func (s *Service) Capabilities(ctx context.Context) (sqlitecli.Capabilities, error) {
	return s.cli.Probe(ctx)
}

// ProbedCapabilities returns the cached probe result without running one.
func (s *Service) ProbedCapabilities() (sqlitecli.Capabilities, bool) {
	return s.cli.Probed()
}

// AbortResult counts what an abort stopped.
type AbortResult struct {
	Processes int
	Sessions  int
}

// Abort terminates every registered external process and cancels every
// running session.
func (s *Service) Abort() AbortResult {
	sessions := s.store.CancelAll()
	procs := s.runner.Registry().TerminateAll()
	s.metrics.ProcessesAborted(procs)
	s.logger.Info("abort requested",
		logging.String(logging.FieldEventType, "abort"),
		logging.Int("processes_terminated", procs),
		logging.Int("sessions_canceled", sessions),
	)
	return AbortResult{Processes: procs, Sessions: sessions}
}

// Begin registers a session and creates its workspace. Options are validated
// here so a bad request never reaches intake.
func (s *Service) Begin(id string, mode recovery.Mode, opts recovery.Options) (*session.Session, *session.Workspace, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	sess, err := s.store.Create(id, mode, opts)
	if err != nil {
		return nil, nil, err
	}
	ws, err := session.NewWorkspace(s.cfg.Paths.WorkDir, s.cfg.Paths.OutputDir, sess.ID, s.logger)
	if err != nil {
		sess.Finish(session.Outcome{Status: session.StatusFailed, Error: err.Error()})
		return nil, nil, services.Wrap(services.ErrConfiguration, "workflow", "begin", fmt.Sprintf("workspace for session %s", sess.ID), err)
	}
	s.metrics.SessionStarted(string(sess.Mode))
	return sess, ws, nil
}
