package materialize_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sqlrescue/internal/dbstats"
	"sqlrescue/internal/materialize"
	"sqlrescue/internal/procexec"
	"sqlrescue/internal/services"
	"sqlrescue/internal/testsupport"
	"sqlrescue/internal/testsupport/fakesqlite"
)

func TestMain(m *testing.M) {
	if fakesqlite.Active() {
		os.Exit(fakesqlite.Main(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

const sampleScript = `PRAGMA foreign_keys=OFF;
BEGIN TRANSACTION;
CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT);
INSERT INTO items VALUES(1,'one');
INSERT INTO items VALUES(2,'two');
-- TABLE "broken" COULD NOT BE RECOVERED: dump timed out after 30s
COMMIT;
`

func writeScript(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "script.sql")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newMaterializer(t *testing.T, faults string, opts ...materialize.Option) *materialize.Materializer {
	t.Helper()
	binary := fakesqlite.Install(t, faults)
	return materialize.New(binary, procexec.NewRunner(procexec.WithGrace(100*time.Millisecond)), opts...)
}

func TestMaterializeReplaysScript(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, sampleScript)
	target := filepath.Join(dir, "out.db")

	var last materialize.Progress
	m := newMaterializer(t, "")
	if err := m.Materialize(context.Background(), script, target, func(p materialize.Progress) { last = p }); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got := testsupport.CountRows(t, target, "items"); got != 2 {
		t.Fatalf("rows = %d, want 2", got)
	}
	if last.Percent != 100 || last.Bytes != int64(len(sampleScript)) {
		t.Fatalf("final progress = %+v", last)
	}
}

func TestMaterializeIsRepeatable(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, sampleScript)
	target := filepath.Join(dir, "out.db")
	collector := dbstats.NewCollector(nil)
	m := newMaterializer(t, "")

	var runs []dbstats.Stats
	for i := 0; i < 2; i++ {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			t.Fatalf("remove target: %v", err)
		}
		if err := m.Materialize(context.Background(), script, target, nil); err != nil {
			t.Fatalf("Materialize run %d: %v", i, err)
		}
		stats, err := collector.Collect(context.Background(), target)
		if err != nil {
			t.Fatalf("Collect run %d: %v", i, err)
		}
		runs = append(runs, stats)
	}
	if runs[0].TableCount != runs[1].TableCount || runs[0].TotalRowCount != runs[1].TotalRowCount {
		t.Fatalf("runs differ: %+v vs %+v", runs[0], runs[1])
	}
	if runs[0].TableCount != 1 || runs[0].TotalRowCount != 2 {
		t.Fatalf("stats = %+v", runs[0])
	}
}

func TestMaterializeReplacesExistingTarget(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, sampleScript)
	target := testsupport.MustCreateDatabase(t, filepath.Join(dir, "out.db"),
		`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`,
		`INSERT INTO items VALUES (10, 'stale'), (11, 'stale'), (12, 'stale')`,
	)
	if err := os.WriteFile(target+"-journal", []byte("stale journal"), 0o644); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	m := newMaterializer(t, "")
	if err := m.Materialize(context.Background(), script, target, nil); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got := testsupport.CountRows(t, target, "items"); got != 2 {
		t.Fatalf("rows = %d, want only the 2 fresh rows", got)
	}
}

func TestMaterializeNonzeroExit(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "CREATE TABLE ok (a);\nTHIS IS NOT SQL;\n")
	m := newMaterializer(t, "")
	err := m.Materialize(context.Background(), script, filepath.Join(dir, "out.db"), nil)

	var matErr *services.MaterializationError
	if !errors.As(err, &matErr) {
		t.Fatalf("expected MaterializationError, got %T %v", err, err)
	}
	if matErr.ExitCode != 1 || !strings.Contains(matErr.Stderr, "error") {
		t.Fatalf("unexpected failure detail %+v", matErr)
	}
	if !errors.Is(err, services.ErrMaterialization) {
		t.Fatal("expected ErrMaterialization marker")
	}
}

func TestMaterializeTimeout(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, sampleScript)
	m := newMaterializer(t, "exec=hang", materialize.WithTimeout(300*time.Millisecond))
	started := time.Now()
	err := m.Materialize(context.Background(), script, filepath.Join(dir, "out.db"), nil)
	if !errors.Is(err, services.ErrTimeout) || !errors.Is(err, services.ErrMaterialization) {
		t.Fatalf("expected materialization timeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
}

func TestMaterializeCanceled(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, sampleScript)
	m := newMaterializer(t, "exec=hang")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	err := m.Materialize(ctx, script, filepath.Join(dir, "out.db"), nil)
	if !errors.Is(err, services.ErrCanceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestMaterializeMissingBinary(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, sampleScript)
	m := materialize.New(filepath.Join(dir, "no-sqlite3"), nil)
	err := m.Materialize(context.Background(), script, filepath.Join(dir, "out.db"), nil)
	if !errors.Is(err, services.ErrSpawn) || !errors.Is(err, services.ErrMaterialization) {
		t.Fatalf("expected spawn materialization error, got %v", err)
	}
}

func TestMaterializeMissingScript(t *testing.T) {
	dir := t.TempDir()
	m := newMaterializer(t, "")
	err := m.Materialize(context.Background(), filepath.Join(dir, "absent.sql"), filepath.Join(dir, "out.db"), nil)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
