package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sqlrescue/internal/progress"
	"sqlrescue/internal/recovery"
	"sqlrescue/internal/services"
)

func TestCreateGeneratesAndValidatesIDs(t *testing.T) {
	store := NewStore(nil)
	sess, err := store.Create("", "", recovery.Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !ValidID(sess.ID) || sess.Mode != recovery.ModeStandard || !sess.Running() {
		t.Fatalf("unexpected session %+v", sess.Summary())
	}
	if _, err := store.Create(sess.ID, "", recovery.Options{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("duplicate id accepted: %v", err)
	}
	for _, bad := range []string{"../etc", "a b", "x/y", string(make([]byte, 65))} {
		if _, err := store.Create(bad, "", recovery.Options{}); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("id %q accepted", bad)
		}
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	if _, err := NewStore(nil).Get("nope"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFinishOnlyOnce(t *testing.T) {
	sess, _ := NewStore(nil).Create("s1", "", recovery.Options{})
	if !sess.Finish(Outcome{Status: StatusSucceeded, SQLFile: "s1.sql"}) {
		t.Fatal("first finish rejected")
	}
	if sess.Finish(Outcome{Status: StatusFailed}) {
		t.Fatal("second finish accepted")
	}
	if got := sess.Outcome(); got.Status != StatusSucceeded || got.SQLFile != "s1.sql" {
		t.Fatalf("outcome = %+v", got)
	}
	if sess.FinishedAt().IsZero() || sess.Summary().FinishedAt == nil {
		t.Fatal("finish time not recorded")
	}
}

func TestCancelRunningSession(t *testing.T) {
	store := NewStore(nil)
	sess, _ := store.Create("s1", "", recovery.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	sess.SetCancel(cancel)
	if n := store.CancelAll(); n != 1 {
		t.Fatalf("canceled %d sessions", n)
	}
	if ctx.Err() == nil {
		t.Fatal("context not canceled")
	}
	sess.Finish(Outcome{Status: StatusCanceled})
	if sess.Cancel() {
		t.Fatal("finished session reported cancelable")
	}
}

func TestMaterializationClaimedOnce(t *testing.T) {
	sess, _ := NewStore(nil).Create("s1", "", recovery.Options{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sess.ClaimMaterialization() == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("materialization claimed %d times", wins)
	}
}

func TestRecordKeepsHistory(t *testing.T) {
	sess, _ := NewStore(nil).Create("s1", "", recovery.Options{})
	sess.Record(progress.Event{Type: progress.TypeProgress, Progress: 10})
	sess.Record(progress.Event{Type: progress.TypeComplete, Progress: 100})
	events := sess.Events()
	if len(events) != 2 || events[0].Timestamp.IsZero() || !events[1].Terminal() {
		t.Fatalf("events = %+v", events)
	}
}

func TestExpireOnlyFinishedPastTTL(t *testing.T) {
	store := NewStore(nil)
	running, _ := store.Create("running", "", recovery.Options{})
	done, _ := store.Create("done", "", recovery.Options{})
	done.Finish(Outcome{Status: StatusSucceeded})

	if expired := store.Expire(time.Now(), time.Hour); len(expired) != 0 {
		t.Fatalf("expired too early: %d", len(expired))
	}
	expired := store.Expire(time.Now().Add(2*time.Hour), time.Hour)
	if len(expired) != 1 || expired[0] != done {
		t.Fatalf("expired = %v", expired)
	}
	if _, err := store.Get(running.ID); err != nil {
		t.Fatal("running session must not expire")
	}
}

func TestWorkspaceReleasesOnce(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(filepath.Join(root, "work"), filepath.Join(root, "out"), "s1", nil)
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	upload := ws.UploadPath("../../evil.ZIP")
	if filepath.Dir(upload) != ws.Dir || filepath.Base(upload) != "upload.zip" {
		t.Fatalf("upload path = %s", upload)
	}
	if err := os.WriteFile(upload, []byte("zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	ws.Track(upload)

	extracted := filepath.Join(ws.ExtractDir(), "data.db")
	if err := os.MkdirAll(ws.ExtractDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(extracted, []byte("db"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ws.Substitute(upload, extracted); err != nil {
		t.Fatalf("Substitute: %v", err)
	}
	if _, err := os.Stat(upload); !os.IsNotExist(err) {
		t.Fatal("archive must be deleted as soon as it is substituted")
	}
	if got := ws.Tracked(); len(got) != 1 || got[0] != extracted {
		t.Fatalf("tracked = %v", got)
	}

	artifact := ws.ArtifactPath(ExtSQL)
	if err := os.WriteFile(artifact, []byte("BEGIN;"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ws.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := ws.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Fatal("workspace dir not removed")
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Fatal("artifacts must survive workspace release")
	}

	late := filepath.Join(root, "late.tmp")
	if err := os.WriteFile(late, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	ws.Track(late)
	if _, err := os.Stat(late); !os.IsNotExist(err) {
		t.Fatal("files tracked after release are removed immediately")
	}
}

func TestRemoveArtifacts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"s1.sql", "s1.db", "s1.db-journal", "s1.log", "s2.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := RemoveArtifacts(dir, "s1"); err != nil {
		t.Fatalf("RemoveArtifacts: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "s2.sql" {
		t.Fatalf("remaining = %v", entries)
	}
	if err := RemoveArtifacts(dir, "../x"); err == nil {
		t.Fatal("invalid id accepted")
	}
}

func TestSweeperExpiresAndCleansOrphans(t *testing.T) {
	root := t.TempDir()
	work := filepath.Join(root, "work")
	out := filepath.Join(root, "out")
	for _, dir := range []string{work, out} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	store := NewStore(nil)
	done, _ := store.Create("done", "", recovery.Options{})
	done.Finish(Outcome{Status: StatusSucceeded})
	live, _ := store.Create("live", "", recovery.Options{})

	old := time.Now().Add(-3 * time.Hour)
	for _, name := range []string{"done.sql", "live.sql", "orphan.sql"} {
		path := filepath.Join(out, name)
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatal(err)
		}
	}

	sweeper := NewSweeper(store, work, out, time.Hour, time.Minute, nil)
	result := sweeper.Sweep(context.Background(), time.Now().Add(2*time.Hour))
	if result.Expired != 1 {
		t.Fatalf("expired = %d", result.Expired)
	}
	if _, err := os.Stat(filepath.Join(out, "done.sql")); !os.IsNotExist(err) {
		t.Fatal("expired session artifact kept")
	}
	if _, err := os.Stat(filepath.Join(out, "orphan.sql")); !os.IsNotExist(err) {
		t.Fatal("orphan artifact kept")
	}
	if _, err := os.Stat(filepath.Join(out, "live.sql")); err != nil {
		t.Fatal("live session artifact removed")
	}
	if _, err := store.Get(live.ID); err != nil {
		t.Fatal("live session expired")
	}
}
