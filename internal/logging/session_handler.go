package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// sessionHandler stamps every record with the owning recovery session.
type sessionHandler struct {
	base      slog.Handler
	sessionID string
}

func newSessionHandler(base slog.Handler, sessionID string) slog.Handler {
	if base == nil {
		return NoopHandler{}
	}
	return &sessionHandler{base: base, sessionID: sessionID}
}

func (h *sessionHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *sessionHandler) Handle(ctx context.Context, record slog.Record) error {
	record.AddAttrs(slog.String(FieldSessionID, h.sessionID))
	return h.base.Handle(ctx, record)
}

func (h *sessionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sessionHandler{base: h.base.WithAttrs(attrs), sessionID: h.sessionID}
}

func (h *sessionHandler) WithGroup(name string) slog.Handler {
	return &sessionHandler{base: h.base.WithGroup(name), sessionID: h.sessionID}
}

// SessionLog mirrors a session's log lines into a dedicated JSON file that is
// offered next to the recovered artifacts.
type SessionLog struct {
	Logger *slog.Logger
	Path   string

	file *os.File
	once sync.Once
	err  error
}

// OpenSessionLog creates path and returns a logger that writes to both base
// and the file. Every record carries the session_id attribute.
func OpenSessionLog(base *slog.Logger, sessionID, path string) (*SessionLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	level := new(slog.LevelVar)
	level.Set(slog.LevelDebug)
	fileHandler := newJSONHandler(file, level, false)

	var baseHandler slog.Handler = NoopHandler{}
	if base != nil {
		baseHandler = base.Handler()
	}
	handler := newSessionHandler(newFanoutHandler(baseHandler, fileHandler), sessionID)
	return &SessionLog{Logger: slog.New(handler), Path: path, file: file}, nil
}

// Close flushes and closes the session log file. Safe to call more than once.
func (s *SessionLog) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	s.once.Do(func() {
		if err := s.file.Sync(); err != nil {
			s.err = err
		}
		if err := s.file.Close(); err != nil && s.err == nil {
			s.err = err
		}
	})
	return s.err
}
