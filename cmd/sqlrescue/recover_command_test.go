package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sqlrescue/internal/api"
	"sqlrescue/internal/progress"
	"sqlrescue/internal/testsupport"
)

func TestRecoverCommand(t *testing.T) {
	env := setupCLITestEnv(t, "")
	source := testsupport.MustCreateSampleDatabase(t, t.TempDir())

	out, stderr, err := runCLI(t, []string{"recover", source, "--session-id", "cli-1"}, env.configPath)
	if err != nil {
		t.Fatalf("recover: %v\nstderr: %s", err, stderr)
	}
	requireContains(t, out, "Recovered with recover")
	requireContains(t, out, filepath.Join(env.cfg.Paths.OutputDir, "cli-1.sql"))
	requireContains(t, out, "customers")
	requireContains(t, out, "3 TABLES")
	requireContains(t, stderr, "Recovery")

	for _, name := range []string{"cli-1.sql", "cli-1.db", "cli-1.log"} {
		if _, err := os.Stat(filepath.Join(env.cfg.Paths.OutputDir, name)); err != nil {
			t.Fatalf("expected artifact %s: %v", name, err)
		}
	}
	if got := testsupport.CountRows(t, filepath.Join(env.cfg.Paths.OutputDir, "cli-1.db"), "orders"); got != 4 {
		t.Fatalf("orders rows = %d, want 4", got)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.Paths.WorkDir, "cli-1")); !os.IsNotExist(err) {
		t.Fatalf("expected workspace to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(source); err != nil {
		t.Fatalf("source database must be left in place: %v", err)
	}
}

func TestRecoverCommandJSON(t *testing.T) {
	env := setupCLITestEnv(t, "")
	source := testsupport.MustCreateSampleDatabase(t, t.TempDir())

	out, _, err := runCLI(t, []string{"recover", source, "--json", "--mode", "tablewise"}, env.configPath)
	if err != nil {
		t.Fatalf("recover --json: %v", err)
	}
	var resp api.RecoverResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if !resp.Success || resp.Strategy != "tablewise" || resp.Stats == nil || resp.Stats.RecordsRecovered != testsupport.SampleRowCount {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRecoverCommandMaterializeFailure(t *testing.T) {
	env := setupCLITestEnv(t, "exec=fail")
	source := testsupport.MustCreateSampleDatabase(t, t.TempDir())

	out, _, err := runCLI(t, []string{"recover", source, "--quiet", "--session-id", "cli-bad"}, env.configPath)
	if err == nil {
		t.Fatal("expected materialization failure")
	}
	requireContains(t, out, "Recovery failed")
	requireContains(t, out, "cli-bad.sql")
}

func TestRecoverCommandValidation(t *testing.T) {
	env := setupCLITestEnv(t, "")

	if _, _, err := runCLI(t, []string{"recover", filepath.Join(t.TempDir(), "missing.db")}, env.configPath); err == nil {
		t.Fatal("expected error for missing source")
	}
	if _, _, err := runCLI(t, []string{"recover", t.TempDir()}, env.configPath); err == nil {
		t.Fatal("expected error for directory source")
	}
	source := testsupport.MustCreateSampleDatabase(t, t.TempDir())
	if _, _, err := runCLI(t, []string{"recover", source, "--mode", "sideways"}, env.configPath); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, _, err := runCLI(t, []string{"recover", source, "--lost-and-found", "lost found"}, env.configPath); err == nil {
		t.Fatal("expected error for invalid lost-and-found table")
	}
}

func TestPrintProgressPlain(t *testing.T) {
	events := make(chan progress.Event, 4)
	events <- progress.Connected()
	events <- progress.Event{Type: progress.TypeProgress, Phase: progress.PhaseRecovery, Progress: 12, Message: "Running .recover", Timestamp: time.Now()}
	events <- progress.Event{Type: progress.TypeProgress, Phase: progress.PhaseRecovery, Progress: 12, Message: "Running .recover", Timestamp: time.Now()}
	events <- progress.Event{Type: progress.TypeComplete, Phase: progress.PhaseDone, Progress: 100}
	close(events)

	var buf bytes.Buffer
	printProgress(&buf, events)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "[ 12%] Recovery") {
		t.Fatalf("unexpected progress output: %q", buf.String())
	}
}

func TestPhaseLabel(t *testing.T) {
	if got := phaseLabel(progress.PhaseMaterialize); got != "Materialize" {
		t.Fatalf("phaseLabel = %q", got)
	}
	if got := phaseLabel(""); got != "" {
		t.Fatalf("empty phase label = %q", got)
	}
}
