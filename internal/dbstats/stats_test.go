package dbstats

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sqlrescue/internal/services"
	"sqlrescue/internal/testsupport"
)

func TestCollectCountsTablesAndRows(t *testing.T) {
	path := testsupport.MustCreateSampleDatabase(t, t.TempDir())
	stats, err := NewCollector(nil).Collect(context.Background(), path)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if stats.TableCount != 3 || stats.TotalRowCount != testsupport.SampleRowCount {
		t.Fatalf("unexpected stats %+v", stats)
	}
	info, _ := os.Stat(path)
	if stats.SizeBytes != info.Size() {
		t.Fatalf("size = %d, want %d", stats.SizeBytes, info.Size())
	}
	want := map[string]int64{"attachments": 2, "customers": 3, "orders": 4}
	for _, ts := range stats.Tables {
		if want[ts.Name] != ts.Rows {
			t.Fatalf("table %s rows = %d, want %d", ts.Name, ts.Rows, want[ts.Name])
		}
	}
}

func TestCollectIgnoresInternalTables(t *testing.T) {
	path := testsupport.MustCreateDatabase(t, filepath.Join(t.TempDir(), "auto.db"),
		`CREATE TABLE events (id INTEGER PRIMARY KEY AUTOINCREMENT, kind TEXT)`,
		`INSERT INTO events (kind) VALUES ('a'), ('b')`,
	)
	stats, err := NewCollector(nil).Collect(context.Background(), path)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if stats.TableCount != 1 || stats.TotalRowCount != 2 {
		t.Fatalf("sqlite_sequence must not be counted: %+v", stats)
	}
}

func TestCollectFailingCountIsZero(t *testing.T) {
	path := testsupport.MustCreateDatabase(t, filepath.Join(t.TempDir(), "vt.db"),
		`CREATE TABLE good (a)`,
		`INSERT INTO good VALUES (1), (2)`,
		`PRAGMA writable_schema=ON`,
		`INSERT INTO sqlite_master (type, name, tbl_name, rootpage, sql) VALUES ('table', 'ghost', 'ghost', 0, 'CREATE VIRTUAL TABLE ghost USING nosuchmodule(a)')`,
	)
	stats, err := NewCollector(nil).Collect(context.Background(), path)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var ghost TableStat
	for _, ts := range stats.Tables {
		if ts.Name == "ghost" {
			ghost = ts
		}
	}
	if ghost.Error == "" || ghost.Rows != 0 || stats.FailedCounts != 1 {
		t.Fatalf("expected failing count recorded as zero, got %+v", stats)
	}
	if stats.TableCount != 2 || stats.TotalRowCount != 2 {
		t.Fatalf("unexpected totals %+v", stats)
	}
}

func TestCollectMissingFile(t *testing.T) {
	_, err := NewCollector(nil).Collect(context.Background(), filepath.Join(t.TempDir(), "absent.db"))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCollectDoesNotWrite(t *testing.T) {
	path := testsupport.MustCreateSampleDatabase(t, t.TempDir())
	before, _ := os.Stat(path)
	if _, err := NewCollector(nil).Collect(context.Background(), path); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	after, _ := os.Stat(path)
	if !after.ModTime().Equal(before.ModTime()) || after.Size() != before.Size() {
		t.Fatal("collect modified the database")
	}
}
