package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sqlrescue/internal/api"
	"sqlrescue/internal/deps"
	"sqlrescue/internal/preflight"
)

type statusReport struct {
	Checks       []preflight.Result  `json:"checks"`
	Dependencies []deps.Status       `json:"dependencies"`
	Address      string              `json:"address"`
	Daemon       *api.StatusResponse `json:"daemon,omitempty"`
	DaemonError  string              `json:"daemonError,omitempty"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local readiness and daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client := ctx.apiClient()
			report := statusReport{
				Checks:       preflight.RunAll(cmd.Context(), cfg, nil),
				Dependencies: preflight.CheckSystemDeps(cfg),
				Address:      client.BaseURL(),
			}
			if status, err := client.Status(cmd.Context()); err != nil {
				report.DaemonError = err.Error()
			} else {
				report.Daemon = &status
			}

			if jsonOut {
				return writeJSON(cmd, report)
			}
			out := cmd.OutOrStdout()
			for _, line := range renderStatusReport(report, shouldColorize(out)) {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the status as JSON")
	return cmd
}

func renderStatusReport(report statusReport, colorize bool) []string {
	lines := renderSectionHeader("System", colorize)
	for _, check := range report.Checks {
		lines = append(lines, renderCheck(check, colorize))
	}
	for _, dep := range report.Dependencies {
		kind := statusOK
		detail := dep.Resolved
		if !dep.Available {
			kind = statusError
			if dep.Optional {
				kind = statusWarn
			}
			detail = dep.Detail
		}
		lines = append(lines, renderStatusLine(dep.Name, kind, detail, colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Daemon", colorize)...)
	if report.Daemon == nil {
		lines = append(lines, renderStatusLine("API", statusWarn, report.DaemonError, colorize))
		return lines
	}
	status := report.Daemon
	lines = append(lines, renderStatusLine("API", statusOK, fmt.Sprintf("%s (pid %d)", report.Address, status.PID), colorize))

	activity := status.Status
	if status.LastArtifact != "" {
		activity = fmt.Sprintf("%s (last artifact %s at %s)", activity, status.LastArtifact, status.LastActivity)
	}
	activityKind := statusInfo
	if strings.EqualFold(status.Status, "stalled") {
		activityKind = statusWarn
	}
	lines = append(lines, renderStatusLine("Activity", activityKind, activity, colorize))
	lines = append(lines, renderStatusLine("Sessions", statusInfo,
		fmt.Sprintf("%d running, %d watched, %d processes", status.LiveSessions, status.WatchedSessions, status.Processes), colorize))

	sqlite := status.SQLite
	switch {
	case !sqlite.Probed:
		lines = append(lines, renderStatusLine("SQLite shell", statusInfo, sqlite.Binary+" (not probed yet)", colorize))
	case sqlite.Recover:
		lines = append(lines, renderStatusLine("SQLite shell", statusOK, fmt.Sprintf("%s %s, .recover %s", sqlite.Binary, sqlite.Version, yesNo(true)), colorize))
	default:
		lines = append(lines, renderStatusLine("SQLite shell", statusWarn, fmt.Sprintf("%s %s, .recover %s", sqlite.Binary, sqlite.Version, yesNo(false)), colorize))
	}
	return lines
}
