package testsupport

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// ArchiveEntry is one file inside a test upload archive.
type ArchiveEntry struct {
	Name string
	Data []byte
}

// ArchiveBytes returns a ZIP archive holding entries in order.
func ArchiveBytes(t testing.TB, entries ...ArchiveEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.Name)
		if err != nil {
			t.Fatalf("create archive entry %s: %v", e.Name, err)
		}
		if _, err := w.Write(e.Data); err != nil {
			t.Fatalf("write archive entry %s: %v", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

// WriteArchive writes a ZIP archive of entries to path and returns path.
func WriteArchive(t testing.TB, path string, entries ...ArchiveEntry) string {
	t.Helper()
	writeBytes(t, path, ArchiveBytes(t, entries...))
	return path
}

// FileEntry reads src from disk into an archive entry called name.
func FileEntry(t testing.TB, name, src string) ArchiveEntry {
	t.Helper()
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read %s: %v", src, err)
	}
	return ArchiveEntry{Name: name, Data: data}
}

// WriteFiller writes size bytes of filler to path. The content is never a
// valid database or archive.
func WriteFiller(t testing.TB, path string, size int) {
	t.Helper()
	if size <= 0 {
		size = 1
	}
	writeBytes(t, path, bytes.Repeat([]byte{0x42}, size))
}

func writeBytes(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
