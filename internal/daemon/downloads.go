package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sqlrescue/internal/logging"
	"sqlrescue/internal/services"
)

var artifactContentTypes = map[string]string{
	".sql":     "application/sql",
	".db":      "application/x-sqlite3",
	".sqlite":  "application/x-sqlite3",
	".sqlite3": "application/x-sqlite3",
	".log":     "application/x-ndjson",
}

// resolveArtifact maps a download name onto a file inside dir. Names are
// rejected on their text alone, before anything touches the filesystem.
func resolveArtifact(dir, name string) (string, error) {
	reject := func(reason string) error {
		return services.Wrap(services.ErrValidation, "daemon", "download", reason, nil)
	}
	switch {
	case name == "":
		return "", reject("artifact name is required")
	case strings.ContainsAny(name, `/\`):
		return "", reject("artifact name must not contain path separators")
	case strings.Contains(name, ".."):
		return "", reject("artifact name must not contain \"..\"")
	case strings.ContainsRune(name, 0):
		return "", reject("artifact name contains a NUL byte")
	case strings.HasPrefix(name, "."):
		return "", reject("artifact name must not be hidden")
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve output dir: %w", err)
	}
	full := filepath.Join(root, name)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel != name {
		return "", reject("artifact resolves outside the output directory")
	}
	return full, nil
}

func artifactContentType(name string) string {
	if ct, ok := artifactContentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

func (s *apiServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/download/")
	path, err := resolveArtifact(s.cfg.Paths.OutputDir, name)
	if err != nil {
		s.writeError(w, services.HTTPStatus(err), err.Error())
		return
	}

	file, err := os.Open(path)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	w.Header().Set("Content-Type", artifactContentType(name))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), file)

	if r.Method == http.MethodGet {
		s.daemon.downloads.schedule(path)
	}
}

// downloadReaper deletes downloaded artifacts once their grace period ends.
type downloadReaper struct {
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func newDownloadReaper(ttl time.Duration, logger *slog.Logger) *downloadReaper {
	return &downloadReaper{ttl: ttl, logger: logger, timers: make(map[string]*time.Timer)}
}

// schedule (re)arms deletion of path. A repeated download restarts the clock.
func (d *downloadReaper) schedule(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if timer, ok := d.timers[path]; ok {
		timer.Reset(d.ttl)
		return
	}
	d.timers[path] = time.AfterFunc(d.ttl, func() { d.remove(path) })
}

func (d *downloadReaper) remove(path string) {
	d.mu.Lock()
	delete(d.timers, path)
	d.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.WarnWithContext(d.logger, "downloaded artifact cleanup failed", "download_cleanup_failed",
			logging.String("path", path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "artifact remains until the session expires"),
		)
		return
	}
	d.logger.Debug("downloaded artifact removed", logging.String("path", path))
}

func (d *downloadReaper) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// stop cancels every pending deletion. The session sweeper collects the
// files later.
func (d *downloadReaper) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for path, timer := range d.timers {
		timer.Stop()
		delete(d.timers, path)
	}
}
