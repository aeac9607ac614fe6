package intake

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"sqlrescue/internal/services"
)

var (
	sqliteMagic = []byte("SQLite format 3\x00")
	zipMagic    = []byte("PK\x03\x04")

	databaseExtensions = map[string]struct{}{
		".db": {}, ".sqlite": {}, ".sqlite3": {}, ".db3": {}, ".s3db": {}, ".sl3": {},
	}
	nameHints = []string{"db", "sqlite", "data"}

	unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Tier ranks how database-like an archive entry looks. Higher wins.
type Tier int

const (
	TierNone Tier = iota
	TierLargest
	TierName
	TierExtension
	TierHeader
)

func (t Tier) String() string {
	switch t {
	case TierHeader:
		return "sqlite header"
	case TierExtension:
		return "extension"
	case TierName:
		return "name"
	case TierLargest:
		return "largest file"
	default:
		return "none"
	}
}

// Candidate is the file a session will recover.
type Candidate struct {
	Path      string
	Name      string
	Size      int64
	Extracted bool
	Tier      Tier
}

// IsArchive reports whether path is a ZIP archive, by extension or magic.
func IsArchive(path string) (bool, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return true, nil
	}
	head, err := readHead(path, len(zipMagic))
	if err != nil {
		return false, err
	}
	return bytes.Equal(head, zipMagic), nil
}

// Prepare resolves the upload at path. Archives are extracted into destDir,
// capped at maxExtract bytes; the archive itself is left for the caller to
// release. A missing or empty archive candidate is ErrNotFound.
func Prepare(path, destDir string, maxExtract int64) (Candidate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Candidate{}, services.Wrap(services.ErrNotFound, "intake", "stat upload", path, err)
	}
	if info.Size() == 0 {
		return Candidate{}, services.Wrap(services.ErrValidation, "intake", "check upload", "uploaded file is empty", nil)
	}
	archive, err := IsArchive(path)
	if err != nil {
		return Candidate{}, services.Wrap(services.ErrValidation, "intake", "inspect upload", path, err)
	}
	if !archive {
		return Candidate{Path: path, Name: filepath.Base(path), Size: info.Size(), Tier: classifyPlain(path)}, nil
	}
	return extract(path, destDir, maxExtract)
}

func extract(archivePath, destDir string, maxExtract int64) (Candidate, error) {
	zr, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) && zr != nil {
		// Entry names are reduced to their base name before extraction.
		err = nil
	}
	if err != nil {
		return Candidate{}, services.Wrap(services.ErrValidation, "intake", "open archive", archivePath, err)
	}
	defer zr.Close()

	entry, tier, err := selectEntry(zr.File)
	if err != nil {
		return Candidate{}, err
	}
	if maxExtract > 0 && entry.UncompressedSize64 > uint64(maxExtract) {
		return Candidate{}, services.Wrap(services.ErrValidation, "intake", "extract",
			fmt.Sprintf("%s expands to %d bytes, limit is %d", entry.Name, entry.UncompressedSize64, maxExtract), nil)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Candidate{}, fmt.Errorf("create extraction dir: %w", err)
	}
	target, err := safeJoin(destDir, entry.Name)
	if err != nil {
		return Candidate{}, err
	}
	written, err := copyEntry(entry, target, maxExtract)
	if err != nil {
		os.Remove(target)
		return Candidate{}, err
	}
	return Candidate{Path: target, Name: filepath.Base(entry.Name), Size: written, Extracted: true, Tier: tier}, nil
}

// selectEntry applies the candidate policy: SQLite header, then extension,
// then name hints, then the largest remaining file. Ties go to the larger
// entry.
func selectEntry(files []*zip.File) (*zip.File, Tier, error) {
	type ranked struct {
		file *zip.File
		tier Tier
	}
	var candidates []ranked
	for _, f := range files {
		if !usableEntry(f) {
			continue
		}
		candidates = append(candidates, ranked{file: f, tier: classifyEntry(f)})
	}
	if len(candidates) == 0 {
		return nil, TierNone, services.Wrap(services.ErrNotFound, "intake", "select entry", "archive contains no database file", nil)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].tier != candidates[j].tier {
			return candidates[i].tier > candidates[j].tier
		}
		return candidates[i].file.UncompressedSize64 > candidates[j].file.UncompressedSize64
	})
	best := candidates[0]
	return best.file, best.tier, nil
}

func usableEntry(f *zip.File) bool {
	if f.FileInfo().IsDir() || f.UncompressedSize64 == 0 {
		return false
	}
	name := filepath.ToSlash(f.Name)
	base := filepath.Base(name)
	return !strings.HasPrefix(name, "__MACOSX/") && !strings.HasPrefix(base, "._") && base != ".DS_Store"
}

func classifyEntry(f *zip.File) Tier {
	if rc, err := f.Open(); err == nil {
		head := make([]byte, len(sqliteMagic))
		n, _ := io.ReadFull(rc, head)
		rc.Close()
		if n == len(sqliteMagic) && bytes.Equal(head, sqliteMagic) {
			return TierHeader
		}
	}
	return classifyName(f.Name)
}

func classifyPlain(path string) Tier {
	if head, err := readHead(path, len(sqliteMagic)); err == nil && bytes.Equal(head, sqliteMagic) {
		return TierHeader
	}
	return classifyName(path)
}

func classifyName(name string) Tier {
	base := strings.ToLower(filepath.Base(filepath.ToSlash(name)))
	if _, ok := databaseExtensions[filepath.Ext(base)]; ok {
		return TierExtension
	}
	for _, hint := range nameHints {
		if strings.Contains(base, hint) {
			return TierName
		}
	}
	return TierLargest
}

func safeJoin(dir, entryName string) (string, error) {
	base := filepath.Base(filepath.ToSlash(entryName))
	base = unsafeName.ReplaceAllString(base, "_")
	base = strings.TrimLeft(base, ".")
	if base == "" {
		base = "extracted.db"
	}
	target := filepath.Join(dir, base)
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", services.Wrap(services.ErrValidation, "intake", "extract", "entry escapes extraction dir: "+entryName, nil)
	}
	return target, nil
}

func copyEntry(f *zip.File, target string, maxExtract int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, "intake", "open entry", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", target, err)
	}
	var src io.Reader = rc
	if maxExtract > 0 {
		src = io.LimitReader(rc, maxExtract+1)
	}
	written, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, services.Wrap(services.ErrValidation, "intake", "extract", f.Name, err)
	}
	if maxExtract > 0 && written > maxExtract {
		return written, services.Wrap(services.ErrValidation, "intake", "extract",
			fmt.Sprintf("%s exceeds the %d byte extraction limit", f.Name, maxExtract), nil)
	}
	return written, nil
}

func readHead(path string, n int) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	head := make([]byte, n)
	read, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return head[:read], nil
}
