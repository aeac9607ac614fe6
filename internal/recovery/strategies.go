package recovery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"sqlrescue/internal/logging"
	"sqlrescue/internal/procexec"
	"sqlrescue/internal/services"
	"sqlrescue/internal/services/sqlitecli"
	"sqlrescue/internal/watchdog"
)

func (c *Chain) runRecover(ctx context.Context, req Request) StrategyResult {
	args := sqlitecli.Args(req.SourcePath, sqlitecli.RecoverCommand(req.Options.flags()))
	res, err := c.cli.Run(ctx, args, procexec.Options{
		Timeout:   c.timeouts.Primary,
		MaxOutput: c.timeouts.MaxPrimaryOutput,
	})
	if err != nil {
		return failed(StrategyRecover, err)
	}
	if res.ExitCode != 0 {
		return failed(StrategyRecover, services.Wrap(services.ErrExternalTool, "recovery", "recover",
			fmt.Sprintf("exit status %d: %s", res.ExitCode, firstNonEmptyLine(string(res.Stderr))), nil))
	}
	if len(strings.TrimSpace(string(res.Stdout))) == 0 {
		return failed(StrategyRecover, services.Wrap(services.ErrExternalTool, "recovery", "recover", "empty output", nil))
	}
	written, err := writeScript(req.OutputPath, string(res.Stdout))
	if err != nil {
		return failed(StrategyRecover, services.Wrap(services.ErrExternalTool, "recovery", "write script", req.OutputPath, err))
	}
	return StrategyResult{Strategy: StrategyRecover, Success: true, Bytes: written}
}

func (c *Chain) runDump(ctx context.Context, req Request, progress func(Event)) StrategyResult {
	args := sqlitecli.Args(req.SourcePath, sqlitecli.DumpCommand)
	outcome, err := c.watchdog.Stream(ctx, c.cli.Binary(), args, req.OutputPath, func(p watchdog.Progress) {
		progress(Event{
			Percent: -1,
			Message: fmt.Sprintf("Dumped %s", humanize.IBytes(uint64(p.Bytes))),
			Detail:  fmt.Sprintf("%s/s", humanize.IBytes(uint64(p.Rate))),
		})
	})
	if err != nil {
		return failed(StrategyDump, err)
	}
	if outcome.State != watchdog.StateCompleted {
		res := failed(StrategyDump, outcome.Err())
		res.Bytes = outcome.Bytes
		return res
	}
	return StrategyResult{Strategy: StrategyDump, Success: true, Bytes: outcome.Bytes}
}

func (c *Chain) runTablewise(ctx context.Context, req Request, progress func(Event)) StrategyResult {
	logger := logging.WithContext(ctx, c.logger)
	tables, err := c.cli.ListTables(ctx, req.SourcePath, c.timeouts.List)
	if err != nil {
		return failed(StrategyTablewise, err)
	}
	if len(tables) == 0 {
		return failed(StrategyTablewise, services.Wrap(services.ErrExternalTool, "recovery", "tablewise", "no tables enumerated", nil))
	}

	out, err := os.OpenFile(req.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return failed(StrategyTablewise, services.Wrap(services.ErrExternalTool, "recovery", "open script", req.OutputPath, err))
	}
	defer out.Close()
	partPath := req.OutputPath + ".part"
	part, err := os.OpenFile(partPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return failed(StrategyTablewise, services.Wrap(services.ErrExternalTool, "recovery", "open scratch", partPath, err))
	}
	defer func() {
		part.Close()
		os.Remove(partPath)
	}()

	script := &appendOnlyScript{file: out}
	header := commentLine(fmt.Sprintf("Table-by-table recovery of %d tables, started %s", len(tables), time.Now().UTC().Format(time.RFC3339))) +
		"PRAGMA foreign_keys=OFF;\nBEGIN TRANSACTION;\n"
	if err := script.append(header); err != nil {
		return failed(StrategyTablewise, err)
	}

	res := StrategyResult{Strategy: StrategyTablewise}
	withRows := 0
	for i, table := range tables {
		if err := ctx.Err(); err != nil {
			closeEnvelope(script, res, len(tables))
			return failed(StrategyTablewise, services.Wrap(services.ErrCanceled, "recovery", "tablewise", table, err))
		}
		status, reason, err := c.dumpTable(ctx, req.SourcePath, table, part, script)
		if err != nil {
			closeEnvelope(script, res, len(tables))
			return failed(StrategyTablewise, err)
		}
		switch status {
		case tableRecovered:
			res.TablesRecovered++
			withRows++
		case tablePartial:
			res.TablesFailed++
			res.FailedTables = append(res.FailedTables, table)
			withRows++
			logging.WarnWithContext(logger, "table only partially recovered", "table_partial",
				logging.String("table", table),
				logging.String(logging.FieldImpact, "rows after the damaged page are missing"),
			)
			if err := script.append(partialNote(table)); err != nil {
				return failed(StrategyTablewise, err)
			}
		default:
			res.TablesFailed++
			res.FailedTables = append(res.FailedTables, table)
			logging.WarnWithContext(logger, "table could not be recovered", "table_failed",
				logging.String("table", table),
				logging.String("reason", reason),
				logging.String(logging.FieldImpact, "placeholder written; remaining tables continue"),
			)
			if err := script.append(placeholder(table, reason)); err != nil {
				return failed(StrategyTablewise, err)
			}
		}
		progress(Event{
			Percent: float64(i+1) / float64(len(tables)) * 100,
			Message: fmt.Sprintf("Processed table %d of %d: %s", i+1, len(tables), table),
			Detail:  fmt.Sprintf("%d recovered, %d failed", res.TablesRecovered, res.TablesFailed),
		})
	}

	if err := script.append(envelopeFooter(res, len(tables))); err != nil {
		return failed(StrategyTablewise, err)
	}
	if err := out.Sync(); err != nil {
		return failed(StrategyTablewise, services.Wrap(services.ErrExternalTool, "recovery", "sync script", req.OutputPath, err))
	}
	res.Bytes = script.offset
	if withRows == 0 {
		detail := failed(StrategyTablewise, services.Wrap(services.ErrExternalTool, "recovery", "tablewise",
			fmt.Sprintf("all %d tables failed", len(tables)), nil))
		detail.TablesFailed = res.TablesFailed
		detail.FailedTables = res.FailedTables
		return detail
	}
	res.Success = true
	return res
}

type tableStatus int

const (
	tableFailed tableStatus = iota
	tableRecovered
	tablePartial
)

func envelopeFooter(res StrategyResult, total int) string {
	return "COMMIT;\n" + commentLine(fmt.Sprintf("Recovered %d of %d tables; %d failed", res.TablesRecovered, total, res.TablesFailed))
}

// closeEnvelope commits what was written so far, so a run cut short still
// leaves a script that replays.
func closeEnvelope(script *appendOnlyScript, res StrategyResult, total int) {
	_ = script.append(envelopeFooter(res, total) + commentLine("Run stopped before every table was attempted"))
}

// dumpTable dumps one table into the scratch file and appends its body to the
// script. tableFailed comes with a reason; a non-nil error aborts the whole
// strategy.
func (c *Chain) dumpTable(ctx context.Context, source, table string, part *os.File, script *appendOnlyScript) (tableStatus, string, error) {
	if err := resetFile(part); err != nil {
		return tableFailed, "", services.Wrap(services.ErrExternalTool, "recovery", "reset scratch", part.Name(), err)
	}
	res, err := c.cli.Run(ctx, sqlitecli.Args(source, sqlitecli.DumpTableCommand(table)), procexec.Options{
		Timeout: c.timeouts.Table,
		Stdout:  part,
	})
	if err != nil {
		if !services.IsRecoverable(err) {
			return tableFailed, "", err
		}
		var timeoutErr *procexec.TimeoutError
		if errors.As(err, &timeoutErr) {
			return tableFailed, fmt.Sprintf("dump timed out after %s", c.timeouts.Table), nil
		}
		return tableFailed, err.Error(), nil
	}
	if res.ExitCode != 0 {
		reason := firstNonEmptyLine(string(res.Stderr))
		if reason == "" {
			reason = fmt.Sprintf("sqlite3 exited with status %d", res.ExitCode)
		}
		return tableFailed, reason, nil
	}
	if _, err := part.Seek(0, io.SeekStart); err != nil {
		return tableFailed, "", services.Wrap(services.ErrExternalTool, "recovery", "rewind scratch", part.Name(), err)
	}
	dumped, err := script.appendDump(part)
	if err != nil {
		return tableFailed, "", err
	}
	switch {
	case !dumped.SawCreate && dumped.RolledBack:
		return tableFailed, "dump ended with errors before the table definition", nil
	case !dumped.SawCreate:
		return tableFailed, "dump produced no table definition", nil
	case dumped.RolledBack:
		return tablePartial, "", nil
	}
	return tableRecovered, "", nil
}

func (c *Chain) runSchemaOnly(ctx context.Context, req Request) StrategyResult {
	res, err := c.cli.Run(ctx, sqlitecli.Args(req.SourcePath, sqlitecli.SchemaCommand), procexec.Options{
		Timeout:   c.timeouts.Schema,
		MaxOutput: 64 << 20,
	})
	if err != nil {
		return failed(StrategySchemaOnly, err)
	}
	schema := filterSchema(string(res.Stdout))
	if strings.TrimSpace(schema) == "" {
		detail := "no schema definitions recovered"
		if res.ExitCode != 0 {
			detail = fmt.Sprintf("exit status %d: %s", res.ExitCode, firstNonEmptyLine(string(res.Stderr)))
		}
		return failed(StrategySchemaOnly, services.Wrap(services.ErrExternalTool, "recovery", "schema only", detail, nil))
	}
	written, err := writeScript(req.OutputPath,
		commentLine("SCHEMA ONLY: table data could not be recovered; definitions below carry no rows"),
		"BEGIN TRANSACTION;\n",
		schema,
		"COMMIT;\n",
	)
	if err != nil {
		return failed(StrategySchemaOnly, services.Wrap(services.ErrExternalTool, "recovery", "write script", req.OutputPath, err))
	}
	return StrategyResult{Strategy: StrategySchemaOnly, Success: true, Bytes: written}
}

func (c *Chain) runTableList(ctx context.Context, req Request) StrategyResult {
	tables, err := c.cli.ListTables(ctx, req.SourcePath, c.timeouts.List)
	if err != nil && !services.IsRecoverable(err) {
		return failed(StrategyTableList, err)
	}
	parts := []string{commentLine("TABLE LIST ONLY: neither data nor schema could be recovered")}
	if len(tables) == 0 {
		parts = append(parts, commentLine("No tables could be identified"))
	} else {
		parts = append(parts, commentLine(fmt.Sprintf("%d tables were identified:", len(tables))))
		for _, table := range tables {
			parts = append(parts, commentLine("  "+table))
		}
	}
	parts = append(parts, "BEGIN TRANSACTION;\n", "COMMIT;\n")
	written, werr := writeScript(req.OutputPath, parts...)
	if werr != nil {
		return failed(StrategyTableList, services.Wrap(services.ErrExternalTool, "recovery", "write script", req.OutputPath, werr))
	}
	return StrategyResult{Strategy: StrategyTableList, Success: true, Bytes: written}
}

// appendOnlyScript is the tablewise output. A table body that turns out to be
// unusable is rolled back to the last table boundary before the placeholder is
// written.
type appendOnlyScript struct {
	file   *os.File
	offset int64
}

func (s *appendOnlyScript) append(text string) error {
	n, err := io.WriteString(s.file, text)
	s.offset += int64(n)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "recovery", "append script", s.file.Name(), err)
	}
	return nil
}

func (s *appendOnlyScript) appendDump(src io.Reader) (dumpBody, error) {
	start := s.offset
	w := bufio.NewWriterSize(s.file, 256<<10)
	body, err := appendDumpBody(w, src)
	if ferr := w.Flush(); err == nil {
		err = ferr
	}
	s.offset += body.Written
	if err != nil {
		return body, services.Wrap(services.ErrExternalTool, "recovery", "append script", s.file.Name(), err)
	}
	if !body.SawCreate && body.Written > 0 {
		if err := s.file.Truncate(start); err != nil {
			return body, services.Wrap(services.ErrExternalTool, "recovery", "truncate script", s.file.Name(), err)
		}
		if _, err := s.file.Seek(start, io.SeekStart); err != nil {
			return body, services.Wrap(services.ErrExternalTool, "recovery", "truncate script", s.file.Name(), err)
		}
		s.offset = start
	}
	return body, nil
}

func resetFile(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	_, err := file.Seek(0, io.SeekStart)
	return err
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func successMessage(strategy Strategy, res StrategyResult) string {
	switch {
	case strategy == StrategyTablewise && res.TablesFailed > 0:
		return fmt.Sprintf("Recovered %d tables, %d failed", res.TablesRecovered, res.TablesFailed)
	case strategy == StrategyTablewise:
		return fmt.Sprintf("Recovered all %d tables", res.TablesRecovered)
	case strategy == StrategySchemaOnly:
		return "Recovered schema only"
	case strategy == StrategyTableList:
		return "Only table names could be recovered"
	default:
		return fmt.Sprintf("Recovered %s of SQL", humanize.IBytes(uint64(res.Bytes)))
	}
}
