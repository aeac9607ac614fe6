package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"sqlrescue/internal/api"
	"sqlrescue/internal/config"
	"sqlrescue/internal/logging"
	"sqlrescue/internal/services"
	"sqlrescue/internal/workflow"
)

type apiServer struct {
	bind      string
	cfg       *config.Config
	logger    *slog.Logger
	daemon    *Daemon
	svc       *workflow.Service
	keepalive time.Duration

	mux *http.ServeMux

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:      strings.TrimSpace(cfg.Paths.APIBind),
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "api-server"),
		daemon:    d,
		svc:       d.svc,
		keepalive: 15 * time.Second,
		mux:       http.NewServeMux(),
	}

	srv.mux.HandleFunc("/api/recover", srv.handleRecover)
	srv.mux.HandleFunc("/api/progress/", srv.handleProgress)
	srv.mux.HandleFunc("/api/download/", srv.handleDownload)
	srv.mux.HandleFunc("/api/status", srv.handleStatus)
	srv.mux.HandleFunc("/api/health", srv.handleHealth)
	srv.mux.HandleFunc("/api/abort", srv.handleAbort)
	srv.mux.HandleFunc("/api/sessions", srv.handleSessions)
	srv.mux.HandleFunc("/api/sessions/", srv.handleSession)
	srv.mux.Handle("/metrics", d.svc.Metrics().Handler())
	return srv
}

func (s *apiServer) handler() http.Handler {
	return s.mux
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		s.logger.Info("api server disabled; no bind address configured")
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	// Uploads and progress streams last as long as a session, so only the
	// header read is bounded.
	server := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
	}
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.daemon.Status(r.Context())
	payload := api.StatusResponse{
		Status:          string(status.Activity),
		LiveSessions:    status.LiveSessions,
		Processes:       status.Processes,
		WatchedSessions: status.WatchedSessions,
		SQLite:          api.FromCapabilities(status.SQLiteBinary, status.Capabilities, status.Probed),
		PID:             status.PID,
	}
	if status.LastArtifact != nil {
		payload.LastArtifact = status.LastArtifact.Name
		payload.LastActivity = status.LastArtifact.ModTime.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *apiServer) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	res := s.svc.Abort()
	s.writeJSON(w, http.StatusOK, api.AbortResponse{
		Success:             true,
		ProcessesTerminated: res.Processes,
		SessionsCanceled:    res.Sessions,
	})
}

func (s *apiServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessions := s.svc.Store().List()
	resp := api.SessionListResponse{Sessions: make([]api.SessionSummary, 0, len(sessions))}
	for _, sess := range sessions {
		summary := api.FromSummary(sess.Summary())
		summary.Events = nil
		resp.Sessions = append(resp.Sessions, summary)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, err := s.svc.Store().Get(id)
	if err != nil {
		s.writeError(w, services.HTTPStatus(err), "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromSummary(sess.Summary()))
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}
