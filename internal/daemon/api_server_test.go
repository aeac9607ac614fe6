package daemon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sqlrescue/internal/api"
	"sqlrescue/internal/config"
	"sqlrescue/internal/testsupport"
	"sqlrescue/internal/testsupport/fakesqlite"
	"sqlrescue/internal/workflow"
)

func TestMain(m *testing.M) {
	if fakesqlite.Active() {
		os.Exit(fakesqlite.Main(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

func newTestDaemon(t *testing.T, faults string, tweak ...func(*config.Config)) (*Daemon, *httptest.Server) {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithFakeSQLite(fakesqlite.Install, faults))
	for _, fn := range tweak {
		fn(cfg)
	}
	svc, err := workflow.New(cfg, nil)
	if err != nil {
		t.Fatalf("workflow.New: %v", err)
	}
	d, err := New(cfg, nil, svc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		d.downloads.stop()
	})
	return d, srv
}

type uploadFile struct {
	name string
	data []byte
}

func postRecover(t *testing.T, srv *httptest.Server, fields map[string]string, file *uploadFile) (*http.Response, api.RecoverResponse) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := mw.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if file != nil {
		part, err := mw.CreateFormFile("database", file.name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(file.data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	resp, err := http.Post(srv.URL+"/api/recover", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST /api/recover: %v", err)
	}
	defer resp.Body.Close()
	var payload api.RecoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode recover response: %v", err)
	}
	return resp, payload
}

func sampleUpload(t *testing.T) *uploadFile {
	t.Helper()
	path := testsupport.MustCreateSampleDatabase(t, t.TempDir())
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	return &uploadFile{name: "shop.db", data: data}
}

func TestHealth(t *testing.T) {
	_, srv := newTestDaemon(t, "")
	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	var payload api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || payload.Status != "ok" || payload.Timestamp == "" {
		t.Fatalf("unexpected health: %d %+v", resp.StatusCode, payload)
	}
}

func TestRecoverAndDownload(t *testing.T) {
	d, srv := newTestDaemon(t, "", func(cfg *config.Config) { cfg.Retention.DownloadTTL = 1 })

	resp, payload := postRecover(t, srv, map[string]string{"ignoreFreelist": "on"}, sampleUpload(t))
	if resp.StatusCode != http.StatusOK || !payload.Success {
		t.Fatalf("recover failed: %d %+v", resp.StatusCode, payload)
	}
	if payload.Strategy != "recover" || payload.Stats == nil || payload.Stats.RecordsRecovered != testsupport.SampleRowCount {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	dl, err := http.Get(srv.URL + "/api/download/" + payload.SQLFile)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	body, _ := io.ReadAll(dl.Body)
	dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", dl.StatusCode)
	}
	if ct := dl.Header.Get("Content-Type"); ct != "application/sql" {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(string(body), "CREATE TABLE") {
		t.Fatalf("script missing schema:\n%s", body)
	}

	dbResp, err := http.Get(srv.URL + "/api/download/" + payload.DBFile)
	if err != nil {
		t.Fatalf("download db: %v", err)
	}
	dbResp.Body.Close()
	if ct := dbResp.Header.Get("Content-Type"); ct != "application/x-sqlite3" {
		t.Fatalf("db content type = %q", ct)
	}

	sqlPath := filepath.Join(d.cfg.Paths.OutputDir, payload.SQLFile)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(sqlPath); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("downloaded script was not removed after the grace period")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRecoverValidation(t *testing.T) {
	_, srv := newTestDaemon(t, "")

	resp, payload := postRecover(t, srv, nil, nil)
	if resp.StatusCode != http.StatusBadRequest || payload.Success || payload.Error == "" {
		t.Fatalf("missing file: %d %+v", resp.StatusCode, payload)
	}

	resp, payload = postRecover(t, srv, map[string]string{"lostAndFoundTable": "lost found"}, sampleUpload(t))
	if resp.StatusCode != http.StatusBadRequest || payload.Success {
		t.Fatalf("bad lost-and-found: %d %+v", resp.StatusCode, payload)
	}

	resp, payload = postRecover(t, srv, map[string]string{"mode": "sideways"}, sampleUpload(t))
	if resp.StatusCode != http.StatusBadRequest || payload.Success {
		t.Fatalf("bad mode: %d %+v", resp.StatusCode, payload)
	}
}

func TestRecoverArchiveWithoutDatabaseIsNotFound(t *testing.T) {
	_, srv := newTestDaemon(t, "")
	archive := testsupport.ArchiveBytes(t, testsupport.ArchiveEntry{Name: "__MACOSX/._shop.db"})

	resp, payload := postRecover(t, srv, nil, &uploadFile{name: "export.zip", data: archive})
	if resp.StatusCode != http.StatusNotFound || payload.Success {
		t.Fatalf("unexpected: %d %+v", resp.StatusCode, payload)
	}
}

func TestProgressStream(t *testing.T) {
	_, srv := newTestDaemon(t, "")

	resp, err := http.Get(srv.URL + "/api/progress/client-42")
	if err != nil {
		t.Fatalf("GET progress: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	frames := make(chan api.ProgressFrame, 256)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var frame api.ProgressFrame
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err == nil {
				frames <- frame
			}
		}
	}()

	first := <-frames
	if first.Type != "connected" {
		t.Fatalf("first frame = %+v", first)
	}

	done := make(chan api.RecoverResponse, 1)
	go func() {
		_, payload := postRecover(t, srv, map[string]string{"sessionId": "client-42"}, sampleUpload(t))
		done <- payload
	}()

	var last api.ProgressFrame
	sawRecovery := false
	timeout := time.After(20 * time.Second)
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				if last.Type != "complete" {
					t.Fatalf("stream ended without completion, last = %+v", last)
				}
				if !sawRecovery {
					t.Fatal("no recovery phase frames")
				}
				if payload := <-done; !payload.Success || payload.SessionID != "client-42" {
					t.Fatalf("recover payload = %+v", payload)
				}
				return
			}
			if frame.Phase == "recovery" {
				sawRecovery = true
			}
			last = frame
		case <-timeout:
			t.Fatal("progress stream did not finish")
		}
	}
}

func TestProgressStreamForFinishedSession(t *testing.T) {
	_, srv := newTestDaemon(t, "")
	if _, payload := postRecover(t, srv, map[string]string{"sessionId": "done-1"}, sampleUpload(t)); !payload.Success {
		t.Fatalf("recover failed: %+v", payload)
	}

	resp, err := http.Get(srv.URL + "/api/progress/done-1")
	if err != nil {
		t.Fatalf("GET progress: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	lines := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"connected"`) || !strings.Contains(lines[1], `"complete"`) {
		t.Fatalf("unexpected stream:\n%s", body)
	}
}

func TestDownloadRejectsTraversalBeforeFilesystem(t *testing.T) {
	d, _ := newTestDaemon(t, "")
	secret := filepath.Join(filepath.Dir(d.cfg.Paths.OutputDir), "secret.sql")
	if err := os.WriteFile(secret, []byte("secret"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	for _, name := range []string{"../secret.sql", "..", "a/b.sql", `a\b.sql`, ".hidden", ""} {
		req := httptest.NewRequest(http.MethodGet, "/api/download/x", nil)
		req.URL.Path = "/api/download/" + name
		rec := httptest.NewRecorder()
		d.api.handleDownload(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%q: status = %d", name, rec.Code)
		}
		if rec.Body.String() == "secret" {
			t.Fatalf("%q leaked file content", name)
		}
	}
	if d.downloads.pending() != 0 {
		t.Fatalf("rejected downloads scheduled deletions")
	}
}

func TestDownloadMissingArtifact(t *testing.T) {
	_, srv := newTestDaemon(t, "")
	resp, err := http.Get(srv.URL + "/api/download/nope.sql")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStatusReflectsArtifactActivity(t *testing.T) {
	d, srv := newTestDaemon(t, "")
	read := func() api.StatusResponse {
		resp, err := http.Get(srv.URL + "/api/status")
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		defer resp.Body.Close()
		var payload api.StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return payload
	}

	if got := read(); got.Status != "idle" || got.SQLite.Probed {
		t.Fatalf("initial status = %+v", got)
	}
	path := filepath.Join(d.cfg.Paths.OutputDir, "abc.sql")
	if err := os.WriteFile(path, []byte("BEGIN;\nCOMMIT;\n"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if got := read(); got.Status != "active" || got.LastArtifact != "abc.sql" {
		t.Fatalf("fresh artifact status = %+v", got)
	}
	old := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if got := read(); got.Status != "stalled" {
		t.Fatalf("aged artifact status = %+v", got)
	}
}

func TestClassifyActivity(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want Activity
	}{
		{0, ActivityActive},
		{30 * time.Second, ActivityActive},
		{31 * time.Second, ActivityStalled},
		{5 * time.Minute, ActivityStalled},
		{6 * time.Minute, ActivityIdle},
	}
	for _, tt := range tests {
		if got := classifyActivity(tt.age, 30*time.Second, 5*time.Minute); got != tt.want {
			t.Fatalf("classifyActivity(%s) = %s, want %s", tt.age, got, tt.want)
		}
	}
}

func TestAbortEndpoint(t *testing.T) {
	_, srv := newTestDaemon(t, "")
	resp, err := http.Get(srv.URL + "/api/abort")
	if err != nil {
		t.Fatalf("GET abort: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET abort status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/abort", "application/json", nil)
	if err != nil {
		t.Fatalf("POST abort: %v", err)
	}
	defer resp.Body.Close()
	var payload api.AbortResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Success || payload.ProcessesTerminated != 0 || payload.SessionsCanceled != 0 {
		t.Fatalf("unexpected abort payload: %+v", payload)
	}
}

func TestSessionSummaryAndMetrics(t *testing.T) {
	_, srv := newTestDaemon(t, "")
	if _, payload := postRecover(t, srv, map[string]string{"sessionId": "sum-1", "mode": "tablewise"}, sampleUpload(t)); !payload.Success {
		t.Fatalf("recover failed: %+v", payload)
	}

	resp, err := http.Get(srv.URL + "/api/sessions/sum-1")
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	var summary api.SessionSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if summary.Status != "succeeded" || summary.Mode != "tablewise" || summary.Strategy != "tablewise" || len(summary.Events) == 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	missing, err := http.Get(srv.URL + "/api/sessions/nope")
	if err != nil {
		t.Fatalf("GET missing session: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing session status = %d", missing.StatusCode)
	}

	metrics, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	body, _ := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	if !strings.Contains(string(body), `sqlrescue_session_finished_total{mode="tablewise",status="succeeded"} 1`) {
		t.Fatalf("metrics missing finished session:\n%s", body)
	}
}
