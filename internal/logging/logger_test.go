package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sqlrescue/internal/config"
	"sqlrescue/internal/logging"
	"sqlrescue/internal/services"
)

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("daemon started")

	data, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, logging.LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "daemon started") {
		t.Fatalf("expected message in log file, got %q", data)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.NewComponentLogger(logger, "recovery").Info("strategy finished", logging.String("strategy", "dump"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if strings.Contains(line, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", line)
	}
	if !strings.Contains(line, "INFO recovery: strategy finished strategy=dump") {
		t.Fatalf("unexpected console layout: %q", line)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("message with caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "logger_test.go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestJSONLoggerShape(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Warn("stalled", logging.Int64("bytes", 42), logging.Duration("window", 90*time.Second))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &entry); err != nil {
		t.Fatalf("decode json log: %v (%q)", err, content)
	}
	if entry["level"] != "warn" || entry["msg"] != "stalled" {
		t.Fatalf("unexpected json entry: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", entry)
	}
	if entry["window"] != "1m30s" {
		t.Fatalf("expected duration string, got %v", entry["window"])
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWithContextAddsSessionFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctx.log")
	base, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := services.WithSessionID(context.Background(), "sess-1")
	ctx = services.WithStrategy(ctx, "tablewise")
	logging.WithContext(ctx, base).Info("table recovered")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	for _, want := range []string{"session_id=sess-1", "strategy=tablewise"} {
		if !strings.Contains(string(content), want) {
			t.Fatalf("expected %q in %q", want, content)
		}
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warn.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "table skipped", "table_failed", logging.String(logging.FieldImpact, "table missing from output"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	for _, want := range []string{"event_type=table_failed", "error_hint=", `impact="table missing from output"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

func TestSessionLogMirrorsToFile(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "daemon.log")
	base, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{basePath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	sessionPath := filepath.Join(dir, "out", "abc.log")
	sl, err := logging.OpenSessionLog(base, "abc", sessionPath)
	if err != nil {
		t.Fatalf("OpenSessionLog: %v", err)
	}
	sl.Logger.Debug("debug only in session file")
	sl.Logger.Info("shared line")
	if err := sl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sl.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}

	sessionData, err := os.ReadFile(sessionPath)
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	if !strings.Contains(string(sessionData), `"session_id":"abc"`) {
		t.Fatalf("expected session id in session log, got %q", sessionData)
	}
	if !strings.Contains(string(sessionData), "debug only in session file") {
		t.Fatalf("expected debug line in session log, got %q", sessionData)
	}
	baseData, err := os.ReadFile(basePath)
	if err != nil {
		t.Fatalf("read base log: %v", err)
	}
	if strings.Contains(string(baseData), "debug only") {
		t.Fatalf("base logger should respect its own level, got %q", baseData)
	}
	if !strings.Contains(string(baseData), "shared line") || !strings.Contains(string(baseData), "session_id=abc") {
		t.Fatalf("expected shared line with session id in base log, got %q", baseData)
	}
}
