package api

import (
	"time"

	"sqlrescue/internal/dbstats"
	"sqlrescue/internal/progress"
	"sqlrescue/internal/recovery"
	"sqlrescue/internal/services/sqlitecli"
	"sqlrescue/internal/session"
	"sqlrescue/internal/workflow"
)

// FromReport converts a finished session into the recover response. A failed
// session still names whatever artifacts it produced.
func FromReport(report workflow.Report, err error) RecoverResponse {
	resp := RecoverResponse{
		Success:   err == nil,
		SessionID: report.SessionID,
		SQLFile:   report.SQLFile,
		DBFile:    report.DBFile,
		LogFile:   report.LogFile,
		Strategy:  string(report.Result.Strategy),
	}
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Partial = report.Partial()
	resp.FailedTables = append([]string(nil), report.Result.FailedTables...)
	stats := &RecoverStats{
		TablesRecovered: report.Result.TablesRecovered,
		TablesFailed:    report.Result.TablesFailed,
	}
	if report.Stats != nil {
		stats.RecordsRecovered = report.Stats.TotalRowCount
		stats.DataSize = report.Stats.SizeBytes
		if stats.TablesRecovered == 0 {
			stats.TablesRecovered = report.Stats.TableCount
		}
	}
	resp.Stats = stats
	return resp
}

// FromEvent converts a progress event into its wire frame. The synthetic
// connected frame carries only its type.
func FromEvent(ev progress.Event) ProgressFrame {
	frame := ProgressFrame{Type: string(ev.Type)}
	if ev.Type == progress.TypeConnected {
		return frame
	}
	pct := ev.Progress
	frame.Phase = string(ev.Phase)
	frame.Progress = &pct
	frame.Message = ev.Message
	frame.Detail = ev.Detail
	frame.Timestamp = formatTime(ev.Timestamp)
	return frame
}

// FromSummary converts a session snapshot.
func FromSummary(sum session.Summary) SessionSummary {
	dto := SessionSummary{
		ID:        sum.ID,
		Mode:      string(sum.Mode),
		Status:    string(sum.Outcome.Status),
		CreatedAt: formatTime(sum.CreatedAt),
		Error:     sum.Outcome.Error,
		Strategy:  string(sum.Outcome.Strategy),
		SQLFile:   sum.Outcome.SQLFile,
		DBFile:    sum.Outcome.DBFile,
		LogFile:   sum.Outcome.LogFile,
		Events:    make([]ProgressFrame, 0, len(sum.Events)),
	}
	if sum.FinishedAt != nil {
		dto.FinishedAt = formatTime(*sum.FinishedAt)
	}
	for _, attempt := range sum.Attempts {
		dto.Attempts = append(dto.Attempts, FromAttempt(attempt))
	}
	if sum.Stats != nil {
		stats := FromStats(*sum.Stats)
		dto.Stats = &stats
	}
	for _, ev := range sum.Events {
		dto.Events = append(dto.Events, FromEvent(ev))
	}
	return dto
}

// FromAttempt converts one strategy result.
func FromAttempt(res recovery.StrategyResult) Attempt {
	return Attempt{
		Strategy:        string(res.Strategy),
		Success:         res.Success,
		ErrorDetail:     res.ErrorDetail,
		TablesRecovered: res.TablesRecovered,
		TablesFailed:    res.TablesFailed,
		FailedTables:    append([]string(nil), res.FailedTables...),
		Bytes:           res.Bytes,
		DurationMillis:  res.Duration.Milliseconds(),
	}
}

// FromStats converts collector output.
func FromStats(stats dbstats.Stats) DatabaseStats {
	dto := DatabaseStats{
		TableCount:    stats.TableCount,
		TotalRowCount: stats.TotalRowCount,
		SizeBytes:     stats.SizeBytes,
	}
	for _, table := range stats.Tables {
		dto.Tables = append(dto.Tables, TableStat(table))
	}
	return dto
}

// FromCapabilities converts the probe result. ok is false before the first
// probe has succeeded.
func FromCapabilities(binary string, caps sqlitecli.Capabilities, ok bool) SQLiteStatus {
	status := SQLiteStatus{Binary: binary, Probed: ok}
	if !ok {
		return status
	}
	status.Version = caps.Version
	status.Recover = caps.Recover
	status.Detail = caps.Detail
	status.ProbedAt = formatTime(caps.ProbedAt)
	return status
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
