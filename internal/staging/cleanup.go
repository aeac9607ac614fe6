package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sqlrescue/internal/logging"
)

// CleanStaleResult contains the outcome of a stale entry cleanup operation.
type CleanStaleResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// SessionKey returns the session ID an entry in the work or output directory
// belongs to: the name up to its first dot.
func SessionKey(name string) string {
	key, _, _ := strings.Cut(name, ".")
	return key
}

// CleanStale removes entries of dir older than maxAge whose session key is
// not in keep. Both session directories and loose artifact files are
// considered.
func CleanStale(ctx context.Context, dir string, maxAge time.Duration, keep map[string]struct{}, logger *slog.Logger) CleanStaleResult {
	result := CleanStaleResult{}

	dir = strings.TrimSpace(dir)
	if dir == "" {
		return result
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: dir, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)

	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}
		if _, live := keep[SessionKey(entry.Name())]; live {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			if logger != nil {
				logger.Warn("failed to remove stale session files",
					logging.String("path", path),
					logging.Error(err),
					logging.String(logging.FieldEventType, "stale_cleanup_failed"),
					logging.String(logging.FieldErrorHint, "check work_dir and output_dir permissions"),
					logging.String(logging.FieldImpact, "disk space not reclaimed"),
				)
			}
			continue
		}
		result.Removed = append(result.Removed, path)
		if logger != nil {
			logger.Info("removed stale session files",
				logging.String("path", path),
				logging.Duration("age", time.Since(info.ModTime())),
				logging.String(logging.FieldEventType, "stale_cleanup"),
			)
		}
	}

	return result
}

// EntryInfo contains metadata about an entry of the work or output directory.
type EntryInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
	IsDir   bool
}

// ListEntries returns every entry of dir with its metadata.
func ListEntries(dir string) ([]EntryInfo, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []EntryInfo
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		size := info.Size()
		if entry.IsDir() {
			size, _ = dirSize(path)
		}

		out = append(out, EntryInfo{
			Name:    entry.Name(),
			Path:    path,
			ModTime: info.ModTime(),
			Size:    size,
			IsDir:   entry.IsDir(),
		})
	}

	return out, nil
}

// Newest returns the most recently modified regular file in dir.
func Newest(dir string) (EntryInfo, bool, error) {
	entries, err := ListEntries(dir)
	if err != nil {
		return EntryInfo{}, false, err
	}
	var newest EntryInfo
	found := false
	for _, entry := range entries {
		if entry.IsDir {
			continue
		}
		if !found || entry.ModTime.After(newest.ModTime) {
			newest = entry
			found = true
		}
	}
	return newest, found, nil
}

// dirSize calculates the total size of a directory recursively.
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Ignore errors, best effort
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
