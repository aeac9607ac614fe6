package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"sqlrescue/internal/api"
	"sqlrescue/internal/config"
	"sqlrescue/internal/logging"
	"sqlrescue/internal/progress"
	"sqlrescue/internal/recovery"
	"sqlrescue/internal/services"
	"sqlrescue/internal/session"
)

// multipartMemory is how much of an upload is buffered before spilling to a
// temporary file.
const multipartMemory = 32 << 20

func (s *apiServer) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := config.MiB(s.cfg.Intake.MaxUploadMiB)
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeRecoverError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds the %s limit", humanize.IBytes(uint64(limit))))
			return
		}
		s.writeRecoverError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	mode, err := recovery.ParseMode(r.FormValue("mode"))
	if err != nil {
		s.writeRecoverError(w, services.HTTPStatus(err), err.Error())
		return
	}
	opts := recovery.Options{
		IgnoreFreelist:    formBool(r.FormValue("ignoreFreelist")),
		NoRowids:          formBool(r.FormValue("noRowids")),
		LostAndFoundTable: strings.TrimSpace(r.FormValue("lostAndFoundTable")),
	}

	file, header, err := r.FormFile("database")
	if err != nil {
		s.writeRecoverError(w, http.StatusBadRequest, "a database file is required in the \"database\" field")
		return
	}
	defer file.Close()

	sess, ws, err := s.svc.Begin(strings.TrimSpace(r.FormValue("sessionId")), mode, opts)
	if err != nil {
		s.writeRecoverError(w, services.HTTPStatus(err), err.Error())
		return
	}
	s.logger.Info("recovery requested",
		logging.String(logging.FieldEventType, "recover_request"),
		logging.SessionID(sess.ID),
		logging.String("filename", header.Filename),
		logging.Int64("size_bytes", header.Size),
		logging.String("mode", string(mode)),
	)

	upload := ws.UploadPath(header.Filename)
	if err := saveUpload(file, upload); err != nil {
		report, err := s.svc.Abandon(sess, ws,
			services.Wrap(services.ErrValidation, "daemon", "store upload", header.Filename, err))
		s.writeJSON(w, services.HTTPStatus(err), api.FromReport(report, err))
		return
	}

	// The recovery outlives the request so a disconnected client can still
	// fetch the artifacts; abort and shutdown cancel it through the session.
	report, err := s.svc.Recover(context.WithoutCancel(r.Context()), sess, ws, upload)
	s.writeJSON(w, services.HTTPStatus(err), api.FromReport(report, err))
}

func (s *apiServer) writeRecoverError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.RecoverResponse{Success: false, Error: message})
}

func saveUpload(src multipart.File, path string) error {
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func formBool(value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "on", "yes":
		return true
	}
	parsed, err := strconv.ParseBool(value)
	return err == nil && parsed
}

func (s *apiServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/progress/")
	if !session.ValidID(id) {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := s.svc.Hub().Subscribe(id, progress.DefaultBuffer)
	defer unsubscribe()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeFrame(w, progress.Connected()); err != nil {
		return
	}
	flusher.Flush()

	// A session that already ended publishes nothing more; hand the listener
	// its terminal event instead of leaving the stream open.
	if sess, err := s.svc.Store().Get(id); err == nil && !sess.Running() {
		if history := sess.Events(); len(history) > 0 && history[len(history)-1].Terminal() {
			_ = writeFrame(w, history[len(history)-1])
			flusher.Flush()
			return
		}
	}

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w io.Writer, ev progress.Event) error {
	data, err := json.Marshal(api.FromEvent(ev))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
