package recovery

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"sqlrescue/internal/logging"
	"sqlrescue/internal/services"
	"sqlrescue/internal/services/sqlitecli"
	"sqlrescue/internal/watchdog"
)

// Request describes one chain run.
type Request struct {
	SourcePath string
	OutputPath string
	Options    Options
	Mode       Mode
}

// Chain runs the recovery strategies in order until one succeeds:
// .recover, streamed .dump, table-by-table, schema only, table list only.
type Chain struct {
	cli      *sqlitecli.Client
	watchdog *watchdog.Watchdog
	timeouts Timeouts
	logger   *slog.Logger
}

// NewChain constructs a chain around a sqlite3 client and watchdog.
func NewChain(cli *sqlitecli.Client, wd *watchdog.Watchdog, timeouts Timeouts, logger *slog.Logger) *Chain {
	if wd == nil {
		wd = watchdog.New(cli.Runner(), watchdog.DefaultLimits(), logger)
	}
	return &Chain{
		cli:      cli,
		watchdog: wd,
		timeouts: timeouts.withDefaults(),
		logger:   logging.NewComponentLogger(logger, "recovery"),
	}
}

// Plan returns the strategies a run in mode would attempt, honouring the
// capability probe.
func (c *Chain) Plan(ctx context.Context, mode Mode) ([]Strategy, bool, error) {
	if mode == ModeTablewise {
		return []Strategy{StrategyTablewise, StrategySchemaOnly, StrategyTableList}, false, nil
	}
	caps, err := c.cli.Probe(ctx)
	if err != nil {
		return nil, false, err
	}
	plan := []Strategy{StrategyDump, StrategyTablewise, StrategySchemaOnly, StrategyTableList}
	if caps.Recover {
		return append([]Strategy{StrategyRecover}, plan...), false, nil
	}
	return plan, true, nil
}

// Run executes the chain. Only spawn failures, cancellation and exhaustion of
// every strategy are returned as errors; individual strategy failures are
// recorded in Result.Attempts.
func (c *Chain) Run(ctx context.Context, req Request, onProgress func(Event)) (Result, error) {
	result := Result{OutputPath: req.OutputPath}
	if err := req.Options.Validate(); err != nil {
		return result, err
	}
	if req.Mode == "" {
		req.Mode = ModeStandard
	}
	if _, err := os.Stat(req.SourcePath); err != nil {
		return result, services.Wrap(services.ErrNotFound, "recovery", "open source", req.SourcePath, err)
	}

	plan, skipped, err := c.Plan(ctx, req.Mode)
	if err != nil {
		return result, err
	}
	result.RecoverSkipped = skipped

	notify := func(ev Event) {
		if onProgress != nil {
			onProgress(ev)
		}
	}

	for i, strategy := range plan {
		if err := ctx.Err(); err != nil {
			return result, services.Wrap(services.ErrCanceled, "recovery", string(strategy), "session ended", err)
		}
		sctx := services.WithStrategy(ctx, string(strategy))
		logger := logging.WithContext(sctx, c.logger)
		step := func(ev Event) {
			ev.Strategy = strategy
			ev.Step = i + 1
			ev.Steps = len(plan)
			notify(ev)
		}
		step(Event{Percent: 0, Message: startMessage(strategy)})
		logger.Info("strategy started", logging.Int("step", i+1), logging.Int("steps", len(plan)))

		started := time.Now()
		res := c.runStrategy(sctx, strategy, req, step)
		res.Strategy = strategy
		res.Duration = time.Since(started)
		result.Attempts = append(result.Attempts, res)

		if res.Success {
			result.Strategy = strategy
			result.Bytes = res.Bytes
			result.TablesRecovered = res.TablesRecovered
			result.TablesFailed = res.TablesFailed
			result.FailedTables = res.FailedTables
			logger.Info("strategy succeeded",
				logging.Int64("bytes", res.Bytes),
				logging.Int("tables_recovered", res.TablesRecovered),
				logging.Int("tables_failed", res.TablesFailed),
				logging.Duration("duration", res.Duration),
			)
			step(Event{Percent: 100, Message: successMessage(strategy, res)})
			return result, nil
		}

		if err := res.Err(); err != nil && !services.IsRecoverable(err) {
			logging.ErrorWithContext(logger, "strategy aborted recovery", "strategy_fatal", logging.Error(err))
			return result, err
		}
		logging.WarnWithContext(logger, "strategy failed; falling back", "strategy_failed",
			logging.String("detail", res.ErrorDetail),
			logging.Duration("duration", res.Duration),
			logging.String(logging.FieldImpact, "next fallback strategy will run"),
		)
		step(Event{Percent: 100, Message: "Strategy failed, trying next fallback", Detail: res.ErrorDetail})
		discard(req.OutputPath)
	}

	return result, services.Wrap(services.ErrExhausted, "recovery", "run", "no strategy produced a script", lastError(result))
}

func (c *Chain) runStrategy(ctx context.Context, strategy Strategy, req Request, progress func(Event)) StrategyResult {
	switch strategy {
	case StrategyRecover:
		return c.runRecover(ctx, req)
	case StrategyDump:
		return c.runDump(ctx, req, progress)
	case StrategyTablewise:
		return c.runTablewise(ctx, req, progress)
	case StrategySchemaOnly:
		return c.runSchemaOnly(ctx, req)
	case StrategyTableList:
		return c.runTableList(ctx, req)
	default:
		return failed(strategy, errors.New("unknown strategy"))
	}
}

// discard drops whatever a failed strategy left behind; the next strategy
// regenerates the script from scratch.
func discard(path string) {
	_ = os.Remove(path)
	_ = os.Remove(path + ".tmp")
	_ = os.Remove(path + ".part")
}

func lastError(result Result) error {
	for i := len(result.Attempts) - 1; i >= 0; i-- {
		if err := result.Attempts[i].Err(); err != nil {
			return err
		}
	}
	return nil
}

func startMessage(strategy Strategy) string {
	switch strategy {
	case StrategyRecover:
		return "Running full database recovery"
	case StrategyDump:
		return "Dumping database contents"
	case StrategyTablewise:
		return "Recovering tables one at a time"
	case StrategySchemaOnly:
		return "Extracting schema only"
	case StrategyTableList:
		return "Listing table names"
	default:
		return "Running " + string(strategy)
	}
}
