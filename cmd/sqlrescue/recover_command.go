package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"sqlrescue/internal/api"
	"sqlrescue/internal/config"
	"sqlrescue/internal/fileutil"
	"sqlrescue/internal/logging"
	"sqlrescue/internal/progress"
	"sqlrescue/internal/recovery"
	"sqlrescue/internal/services"
	"sqlrescue/internal/workflow"
)

// cliLogFileName receives the service log of in-process recoveries so the
// terminal only shows progress.
const cliLogFileName = "sqlrescue-cli.log"

type recoverFlags struct {
	mode           string
	sessionID      string
	ignoreFreelist bool
	noRowids       bool
	lostAndFound   string
	jsonOut        bool
	quiet          bool
	verbose        bool
}

func newRecoverCommand(ctx *commandContext) *cobra.Command {
	var flags recoverFlags
	cmd := &cobra.Command{
		Use:   "recover <database>",
		Short: "Recover a corrupted database or archive without a daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runRecover(cmd, cfg, args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.mode, "mode", string(recovery.ModeStandard), "Recovery mode: standard or tablewise")
	cmd.Flags().StringVar(&flags.sessionID, "session-id", "", "Session id used for artifact names (default: random)")
	cmd.Flags().BoolVar(&flags.ignoreFreelist, "ignore-freelist", false, "Skip freelist pages during .recover")
	cmd.Flags().BoolVar(&flags.noRowids, "no-rowids", false, "Do not preserve rowids during .recover")
	cmd.Flags().StringVar(&flags.lostAndFound, "lost-and-found", "", "Table name for orphaned rows found by .recover")
	cmd.Flags().BoolVar(&flags.jsonOut, "json", false, "Print the result in the HTTP API response format")
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "Suppress progress output")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Also write service logs to stderr")
	return cmd
}

func runRecover(cmd *cobra.Command, cfg *config.Config, source string, flags recoverFlags) error {
	source, err := config.ExpandPath(source)
	if err != nil {
		return err
	}
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", source, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", source)
	}
	mode, err := recovery.ParseMode(flags.mode)
	if err != nil {
		return err
	}

	logger, err := newCLILogger(cfg, flags.verbose)
	if err != nil {
		return err
	}
	svc, err := workflow.New(cfg, logger)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := recovery.Options{
		IgnoreFreelist:    flags.ignoreFreelist,
		NoRowids:          flags.noRowids,
		LostAndFoundTable: flags.lostAndFound,
	}
	sess, ws, err := svc.Begin(flags.sessionID, mode, opts)
	if err != nil {
		return err
	}

	var printed chan struct{}
	events, unsubscribe := svc.Hub().Subscribe(sess.ID, 256)
	if !flags.quiet && !flags.jsonOut {
		printed = make(chan struct{})
		go func() {
			defer close(printed)
			printProgress(cmd.ErrOrStderr(), events)
		}()
	}

	upload := ws.UploadPath(filepath.Base(source))
	var report workflow.Report
	if _, copyErr := fileutil.CopyDatabase(source, upload); copyErr != nil {
		report, err = svc.Abandon(sess, ws, services.Wrap(services.ErrValidation, "cli", "copy source", copyErr.Error(), copyErr))
	} else {
		report, err = svc.Recover(runCtx, sess, ws, upload)
	}
	unsubscribe()
	if printed != nil {
		<-printed
	}

	if flags.jsonOut {
		if writeErr := writeJSON(cmd, api.FromReport(report, err)); writeErr != nil {
			return writeErr
		}
		return err
	}
	printReport(cmd.OutOrStdout(), cfg, report, err)
	return err
}

func newCLILogger(cfg *config.Config, verbose bool) (*slog.Logger, error) {
	outputs := []string{filepath.Join(cfg.Paths.LogDir, cliLogFileName)}
	if verbose {
		outputs = append(outputs, "stderr")
	}
	return logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
	})
}

var phaseTitle = cases.Title(language.English)

func phaseLabel(phase progress.Phase) string {
	if phase == "" {
		return ""
	}
	return phaseTitle.String(strings.ReplaceAll(string(phase), "_", " "))
}

func printProgress(w io.Writer, events <-chan progress.Event) {
	interactive := shouldColorize(w)
	lastLine := ""
	for ev := range events {
		if ev.Type != progress.TypeProgress {
			continue
		}
		line := fmt.Sprintf("[%3.0f%%] %-11s %s", ev.Progress, phaseLabel(ev.Phase), ev.Message)
		if ev.Detail != "" {
			line += " (" + ev.Detail + ")"
		}
		if line == lastLine {
			continue
		}
		lastLine = line
		if interactive {
			fmt.Fprintf(w, "\r\x1b[2K%s", line)
		} else {
			fmt.Fprintln(w, line)
		}
	}
	if interactive && lastLine != "" {
		fmt.Fprintln(w)
	}
}

func printReport(w io.Writer, cfg *config.Config, report workflow.Report, err error) {
	if err != nil {
		fmt.Fprintf(w, "Recovery failed: %v\n", err)
	} else if report.Partial() {
		fmt.Fprintf(w, "Recovered with %s; %d table(s) could not be read\n", report.Result.Strategy, report.Result.TablesFailed)
	} else {
		fmt.Fprintf(w, "Recovered with %s\n", report.Result.Strategy)
	}

	artifacts := [][]string{
		{"SQL script", report.SQLFile},
		{"Database", report.DBFile},
		{"Session log", report.LogFile},
	}
	for _, artifact := range artifacts {
		if artifact[1] == "" {
			continue
		}
		path := filepath.Join(cfg.Paths.OutputDir, artifact[1])
		size := ""
		if info, statErr := os.Stat(path); statErr == nil {
			size = " (" + humanize.IBytes(uint64(info.Size())) + ")"
		}
		fmt.Fprintf(w, "  %-12s %s%s\n", artifact[0]+":", path, size)
	}
	if len(report.Result.FailedTables) > 0 {
		fmt.Fprintf(w, "  %-12s %s\n", "Lost tables:", strings.Join(report.Result.FailedTables, ", "))
	}

	if report.Stats == nil || len(report.Stats.Tables) == 0 {
		return
	}
	rows := make([][]string, 0, len(report.Stats.Tables))
	for _, table := range report.Stats.Tables {
		count := humanize.Comma(table.Rows)
		if table.Error != "" {
			count = "error: " + table.Error
		}
		rows = append(rows, []string{table.Name, count})
	}
	fmt.Fprintln(w, renderTable(tableSpec{
		Headers: []string{"Table", "Rows"},
		Rows:    rows,
		Aligns:  []columnAlignment{alignLeft, alignRight},
		Footer:  []string{fmt.Sprintf("%d tables", report.Stats.TableCount), humanize.Comma(report.Stats.TotalRowCount)},
	}))
	fmt.Fprintf(w, "Recovered database size: %s in %s\n", humanize.IBytes(uint64(report.Stats.SizeBytes)), report.Duration.Round(10*time.Millisecond))
}
