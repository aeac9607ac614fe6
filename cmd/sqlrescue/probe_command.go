package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sqlrescue/internal/api"
	"sqlrescue/internal/logging"
	"sqlrescue/internal/preflight"
	"sqlrescue/internal/workflow"
)

func newProbeCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check which recovery features the sqlite3 shell supports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			svc, err := workflow.New(cfg, logging.NewNop())
			if err != nil {
				return err
			}
			check := preflight.CheckSQLiteShell(cmd.Context(), cfg.SQLiteBinary(), svc)
			caps, probed := svc.ProbedCapabilities()
			if jsonOut {
				return writeJSON(cmd, api.FromCapabilities(cfg.SQLiteBinary(), caps, probed))
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderCheck(check, shouldColorize(out)))
			if !check.Passed {
				return fmt.Errorf("sqlite3 probe failed: %s", check.Detail)
			}
			fmt.Fprintln(out, renderTable(tableSpec{
				Headers: []string{"Feature", "Available"},
				Rows: [][]string{
					{"Version", caps.Version},
					{".recover", yesNo(caps.Recover)},
					{".dump", yesNo(true)},
				},
			}))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the probe result as JSON")
	return cmd
}
