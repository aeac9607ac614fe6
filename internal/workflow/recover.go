package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"sqlrescue/internal/config"
	"sqlrescue/internal/intake"
	"sqlrescue/internal/logging"
	"sqlrescue/internal/materialize"
	"sqlrescue/internal/notifications"
	"sqlrescue/internal/progress"
	"sqlrescue/internal/recovery"
	"sqlrescue/internal/services"
	"sqlrescue/internal/session"
)

var (
	errCeiling = errors.New("session ceiling reached")
	errAborted = errors.New("session aborted")
)

// run carries the per-session state of one Recover call.
type run struct {
	svc     *Service
	sess    *session.Session
	ws      *session.Workspace
	logger  *slog.Logger
	pub     *publisher
	ceiling time.Duration
	started time.Time
}

// Recover drives sess from the uploaded file at uploadPath to downloadable
// artifacts. The upload belongs to the workspace from here on and is deleted
// however the session ends. The returned Report is filled as far as the
// session got; on a materialization failure it still names the SQL script.
//
// The session is bounded by its mode's ceiling and by ctx. Callers that must
// not abort the recovery when a client goes away should pass a context that
// ignores that cancellation.
func (s *Service) Recover(ctx context.Context, sess *session.Session, ws *session.Workspace, uploadPath string) (Report, error) {
	ws.Track(uploadPath)
	defer func() { _ = ws.Release() }()

	r := s.newRun(sess, ws)

	ctx, cancelTimeout := context.WithTimeoutCause(ctx, r.ceiling, errCeiling)
	defer cancelTimeout()
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	sess.SetCancel(func() { abort(errAborted) })
	ctx = services.WithSessionID(ctx, sess.ID)

	report := Report{SessionID: sess.ID, Mode: sess.Mode}
	sessionLog, err := logging.OpenSessionLog(s.logger, sess.ID, ws.ArtifactPath(session.ExtLog))
	if err != nil {
		logging.WarnWithContext(r.logger, "session log unavailable", "session_log_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "session log will not be offered for download"),
		)
	} else {
		defer sessionLog.Close()
		r.logger = sessionLog.Logger
		report.LogFile = ws.ArtifactName(session.ExtLog)
	}

	r.logger.Info("recovery session started",
		logging.String(logging.FieldEventType, "session_start"),
		logging.String("mode", string(sess.Mode)),
		logging.Duration("ceiling", r.ceiling),
		logging.Bool("ignore_freelist", sess.Options.IgnoreFreelist),
		logging.Bool("no_rowids", sess.Options.NoRowids),
		logging.String("lost_and_found", sess.Options.LostAndFoundTable),
	)

	source, err := r.intake(uploadPath)
	if err != nil {
		return r.fail(ctx, report, err)
	}

	sqlPath := ws.ArtifactPath(session.ExtSQL)
	result, err := s.chain.Run(ctx, recovery.Request{
		SourcePath: source,
		OutputPath: sqlPath,
		Options:    sess.Options,
		Mode:       sess.Mode,
	}, func(ev recovery.Event) {
		r.pub.progress(progress.PhaseRecovery, recoveryPercent(ev), ev.Message, recoveryDetail(ev))
	})
	sess.SetResult(result)
	report.Result = result
	for _, attempt := range result.Attempts {
		s.metrics.StrategyAttempt(string(attempt.Strategy), attempt.Success, attempt.Duration)
	}
	if err != nil {
		return r.fail(ctx, report, err)
	}
	report.SQLFile = ws.ArtifactName(session.ExtSQL)
	s.metrics.Recovered(result.TablesRecovered, result.TablesFailed, result.Bytes)

	dbPath := ws.ArtifactPath(session.ExtDB)
	matStart := time.Now()
	if err := r.materialize(ctx, sqlPath, dbPath); err != nil {
		s.metrics.Materialized(false, time.Since(matStart), 0)
		return r.fail(ctx, report, err)
	}
	matDuration := time.Since(matStart)
	report.DBFile = ws.ArtifactName(session.ExtDB)

	r.pub.progress(progress.PhaseStats, materializeEnd, "Collecting database statistics", "")
	stats, err := s.collector.Collect(ctx, dbPath)
	if err != nil {
		if ctx.Err() != nil {
			return r.fail(ctx, report, err)
		}
		logging.WarnWithContext(r.logger, "stats collection failed", "stats_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "recovered artifacts are available without statistics"),
		)
	} else {
		sess.SetStats(stats)
		report.Stats = &stats
	}
	s.metrics.Materialized(true, matDuration, report.RowsRecovered())

	return r.succeed(report), nil
}

// Abandon ends a session that failed before Recover could take it over, for
// example because the upload could not be stored. It releases the workspace
// and publishes the terminal error event.
func (s *Service) Abandon(sess *session.Session, ws *session.Workspace, cause error) (Report, error) {
	r := s.newRun(sess, ws)
	return r.fail(context.Background(), Report{SessionID: sess.ID, Mode: sess.Mode}, cause)
}

func (s *Service) newRun(sess *session.Session, ws *session.Workspace) *run {
	r := &run{
		svc:     s,
		sess:    sess,
		ws:      ws,
		logger:  s.logger.With(logging.SessionID(sess.ID)),
		ceiling: s.Ceiling(sess.Mode),
		started: time.Now(),
	}
	r.pub = newPublisher(r)
	return r
}

// intake resolves the upload into the database file to recover. An extracted
// archive is deleted as soon as its candidate is on disk.
func (r *run) intake(uploadPath string) (string, error) {
	r.pub.progress(progress.PhaseIntake, 0, "Preparing uploaded file", "")
	cand, err := intake.Prepare(uploadPath, r.ws.ExtractDir(), config.MiB(r.svc.cfg.Intake.MaxExtractMiB))
	if err != nil {
		return "", err
	}
	if cand.Extracted {
		if err := r.ws.Substitute(uploadPath, cand.Path); err != nil {
			logging.WarnWithContext(r.logger, "archive cleanup failed", "archive_cleanup_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "archive stays on disk until the workspace is released"),
			)
		}
		r.pub.progress(progress.PhaseIntake, 0,
			fmt.Sprintf("Extracted %s from archive", cand.Name),
			fmt.Sprintf("selected by %s, %s", cand.Tier, humanize.IBytes(uint64(cand.Size))),
		)
	}
	r.logger.Info("input prepared",
		logging.String(logging.FieldEventType, "intake_complete"),
		logging.String("candidate", cand.Name),
		logging.Int64("size_bytes", cand.Size),
		logging.Bool("extracted", cand.Extracted),
		logging.String("tier", cand.Tier.String()),
	)
	return cand.Path, nil
}

func (r *run) materialize(ctx context.Context, sqlPath, dbPath string) error {
	if err := r.sess.ClaimMaterialization(); err != nil {
		return err
	}
	r.pub.progress(progress.PhaseMaterialize, recoveryEnd, "Building database from recovered SQL", "")
	return r.svc.materializer.Materialize(ctx, sqlPath, dbPath, func(p materialize.Progress) {
		r.pub.progress(progress.PhaseMaterialize, materializePercent(p.Percent),
			"Building database from recovered SQL",
			fmt.Sprintf("%s of %s replayed", humanize.IBytes(uint64(p.Bytes)), humanize.IBytes(uint64(p.Total))),
		)
	})
}

func (r *run) succeed(report Report) Report {
	report.Duration = time.Since(r.started)
	r.release()
	r.sess.Finish(session.Outcome{
		Status:   session.StatusSucceeded,
		Strategy: report.Result.Strategy,
		SQLFile:  report.SQLFile,
		DBFile:   report.DBFile,
		LogFile:  report.LogFile,
	})
	r.svc.metrics.SessionFinished(string(r.sess.Mode), string(session.StatusSucceeded), report.Duration)

	r.logger.Info("recovery session finished",
		logging.String(logging.FieldEventType, "session_complete"),
		logging.Strategy(string(report.Result.Strategy)),
		logging.Int("tables_recovered", report.Result.TablesRecovered),
		logging.Int("tables_failed", report.Result.TablesFailed),
		logging.Int64("rows_recovered", report.RowsRecovered()),
		logging.Duration("duration", report.Duration),
	)
	r.pub.terminal(progress.TypeComplete, completionMessage(report), report.SQLFile)
	if err := r.svc.notifier.NotifySessionCompleted(context.Background(), r.outcome(report)); err != nil {
		r.notifyFailed(err)
	}
	return report
}

// fail classifies err against the session context, finishes the session and
// publishes the terminal error event.
func (r *run) fail(ctx context.Context, report Report, err error) (Report, error) {
	report.Duration = time.Since(r.started)
	status := session.StatusFailed
	message := err.Error()
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, errCeiling) || errors.Is(cause, context.DeadlineExceeded) {
			err = services.Wrap(services.ErrTimeout, "workflow", "recover", fmt.Sprintf("timed out after %s", r.ceiling), err)
			message = "timed out"
		} else {
			status = session.StatusCanceled
			err = services.Wrap(services.ErrCanceled, "workflow", "recover", "session canceled", err)
			message = "canceled"
		}
	}

	r.release()
	r.sess.Finish(session.Outcome{
		Status:   status,
		Error:    err.Error(),
		Strategy: report.Result.Strategy,
		SQLFile:  report.SQLFile,
		LogFile:  report.LogFile,
	})
	r.svc.metrics.SessionFinished(string(r.sess.Mode), string(status), report.Duration)

	logging.ErrorWithContext(r.logger, "recovery session failed", "session_failed",
		logging.String("status", string(status)),
		logging.Int("attempts", len(report.Result.Attempts)),
		logging.Duration("duration", report.Duration),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, failureHint(err)),
	)
	detail := ""
	if report.SQLFile != "" {
		detail = "recovered SQL is still available as " + report.SQLFile
	}
	r.pub.terminal(progress.TypeError, message, detail)
	if nerr := r.svc.notifier.NotifySessionFailed(context.Background(), r.outcome(report), err); nerr != nil {
		r.notifyFailed(nerr)
	}
	return report, err
}

func (r *run) outcome(report Report) notifications.Outcome {
	return notifications.Outcome{
		SessionID:    report.SessionID,
		Mode:         string(report.Mode),
		Strategy:     string(report.Result.Strategy),
		TablesFailed: report.Result.TablesFailed,
		Rows:         report.RowsRecovered(),
		SQLFile:      report.SQLFile,
		Duration:     report.Duration,
	}
}

func (r *run) notifyFailed(err error) {
	logging.WarnWithContext(r.logger, "session notification failed", "notification_failed",
		logging.Error(err),
		logging.String(logging.FieldImpact, "session outcome was not delivered to ntfy"),
	)
}

func (r *run) release() {
	r.pub.progress(progress.PhaseCleanup, r.pub.last, "Cleaning up temporary files", "")
	_ = r.ws.Release()
}

func completionMessage(report Report) string {
	res := report.Result
	switch {
	case res.Strategy == recovery.StrategyTableList:
		return "No data could be recovered; table names were saved"
	case res.Strategy == recovery.StrategySchemaOnly:
		return "Only the schema could be recovered"
	case report.Partial():
		return fmt.Sprintf("Recovered %d tables, %d could not be recovered", res.TablesRecovered, res.TablesFailed)
	case report.Stats != nil:
		return fmt.Sprintf("Recovered %d tables with %s rows", report.Stats.TableCount, humanize.Comma(report.Stats.TotalRowCount))
	default:
		return "Recovery complete"
	}
}

func failureHint(err error) string {
	switch {
	case errors.Is(err, services.ErrSpawn):
		return "install sqlite3 or set sqlite.binary in the config"
	case errors.Is(err, services.ErrNotFound):
		return "upload a SQLite database or an archive containing one"
	case errors.Is(err, services.ErrValidation):
		return "check the request options"
	case errors.Is(err, services.ErrMaterialization):
		return "replay the SQL script manually to inspect the failing statement"
	case errors.Is(err, services.ErrTimeout):
		return "retry in tablewise mode or raise the session ceiling"
	default:
		return "check the session log for the failing step"
	}
}
