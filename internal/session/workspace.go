package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"sqlrescue/internal/logging"
)

// Artifact extensions produced for every session.
const (
	ExtSQL = ".sql"
	ExtDB  = ".db"
	ExtLog = ".log"
)

// Workspace owns the scratch directory and input files of one session. The
// downloadable artifacts live in the output directory and outlive it.
type Workspace struct {
	ID        string
	Dir       string
	OutputDir string

	mu       sync.Mutex
	tracked  []string
	released bool
	once     sync.Once
	logger   *slog.Logger
}

// NewWorkspace creates workDir/<id>.
func NewWorkspace(workDir, outputDir, id string, logger *slog.Logger) (*Workspace, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("invalid session id %q", id)
	}
	dir := filepath.Join(workDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Workspace{
		ID:        id,
		Dir:       dir,
		OutputDir: outputDir,
		logger:    logging.NewComponentLogger(logger, "workspace"),
	}, nil
}

// UploadPath returns where an uploaded file named name is stored. Only the
// extension of the client-supplied name is kept.
func (w *Workspace) UploadPath(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	return filepath.Join(w.Dir, "upload"+ext)
}

// ExtractDir is where archive entries are unpacked.
func (w *Workspace) ExtractDir() string {
	return filepath.Join(w.Dir, "extracted")
}

// ArtifactName returns the download identifier for an artifact extension.
func (w *Workspace) ArtifactName(ext string) string {
	return w.ID + ext
}

// ArtifactPath returns the output path for an artifact extension.
func (w *Workspace) ArtifactPath(ext string) string {
	return filepath.Join(w.OutputDir, w.ArtifactName(ext))
}

// Track registers a file to delete on Release.
func (w *Workspace) Track(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		_ = os.Remove(path)
		return
	}
	w.tracked = append(w.tracked, path)
}

// Substitute deletes old right away and tracks replacement in its place.
func (w *Workspace) Substitute(old, replacement string) error {
	w.mu.Lock()
	kept := w.tracked[:0]
	for _, path := range w.tracked {
		if path != old {
			kept = append(kept, path)
		}
	}
	w.tracked = kept
	w.mu.Unlock()

	err := os.Remove(old)
	w.Track(replacement)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", old, err)
	}
	return nil
}

// Tracked returns the files Release would delete.
func (w *Workspace) Tracked() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.tracked...)
}

// Release deletes every tracked file and the scratch directory. Only the first
// call does anything.
func (w *Workspace) Release() error {
	var errs []error
	w.once.Do(func() {
		w.mu.Lock()
		tracked := w.tracked
		w.tracked = nil
		w.released = true
		w.mu.Unlock()

		for _, path := range tracked {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := os.RemoveAll(w.Dir); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			logging.WarnWithContext(w.logger, "workspace cleanup incomplete", "workspace_cleanup_failed",
				logging.SessionID(w.ID),
				logging.Error(errors.Join(errs...)),
				logging.String(logging.FieldErrorHint, "check work_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed until the next sweep"),
			)
		}
	})
	return errors.Join(errs...)
}

// RemoveArtifacts deletes every output artifact of session id.
func RemoveArtifacts(outputDir, id string) error {
	if !ValidID(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	var errs []error
	for _, ext := range []string{ExtSQL, ExtSQL + ".tmp", ExtSQL + ".part", ExtDB, ExtDB + "-journal", ExtDB + "-wal", ExtDB + "-shm", ExtLog} {
		if err := os.Remove(filepath.Join(outputDir, id+ext)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
