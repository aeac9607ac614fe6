package recovery

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// wrapperLines are the transaction envelope lines the shell puts around every
// .dump. Per-table dumps are appended inside a single outer envelope, so their
// own copies are dropped.
var wrapperLines = map[string]struct{}{
	"PRAGMA foreign_keys=OFF;": {},
	"BEGIN TRANSACTION;":       {},
	"COMMIT;":                  {},
}

// rollbackMarker ends a dump the shell abandoned part way through. The shell
// still exits 0 in that case.
const rollbackMarker = "ROLLBACK; -- due to errors"

// dumpBody describes what appendDumpBody copied.
type dumpBody struct {
	Written    int64
	SawCreate  bool
	RolledBack bool
}

// appendDumpBody copies src into w without its transaction envelope. A
// rollback marker is dropped and reported in RolledBack.
func appendDumpBody(w io.Writer, src io.Reader) (dumpBody, error) {
	reader := bufio.NewReaderSize(src, 64<<10)
	var body dumpBody
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			trimmed := strings.TrimSpace(line)
			_, wrapper := wrapperLines[trimmed]
			switch {
			case trimmed == rollbackMarker:
				body.RolledBack = true
			case wrapper:
			default:
				if strings.HasPrefix(trimmed, "CREATE ") {
					body.SawCreate = true
				}
				if !strings.HasSuffix(line, "\n") {
					line += "\n"
				}
				n, werr := io.WriteString(w, line)
				body.Written += int64(n)
				if werr != nil {
					return body, werr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return body, nil
		}
		if err != nil {
			return body, err
		}
	}
}

// filterSchema removes definitions of the shell's internal sqlite_* tables,
// which cannot be recreated by a script.
func filterSchema(schema string) string {
	var b strings.Builder
	skipping := false
	for _, line := range strings.Split(schema, "\n") {
		trimmed := strings.TrimSpace(line)
		if !skipping && isInternalCreate(trimmed) {
			skipping = true
		}
		if skipping {
			if strings.HasSuffix(trimmed, ";") {
				skipping = false
			}
			continue
		}
		if trimmed == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func isInternalCreate(line string) bool {
	upper := strings.ToUpper(line)
	for _, prefix := range []string{"CREATE TABLE SQLITE_", "CREATE TABLE IF NOT EXISTS SQLITE_", `CREATE TABLE "SQLITE_`, "CREATE TABLE 'SQLITE_"} {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// placeholder annotates a table that could not be recovered.
func placeholder(table, reason string) string {
	reason = strings.Join(strings.Fields(reason), " ")
	if reason == "" {
		reason = "unknown error"
	}
	return fmt.Sprintf("-- TABLE %s COULD NOT BE RECOVERED: %s\n", quoteIdent(table), reason)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// partialNote annotates a table whose dump stopped part way; the rows above
// it were kept.
func partialNote(table string) string {
	return fmt.Sprintf("-- TABLE %s PARTIALLY RECOVERED: dump ended with errors, later rows are missing\n", quoteIdent(table))
}

// commentLine keeps arbitrary text inside a single SQL line comment.
func commentLine(text string) string {
	return "-- " + strings.Join(strings.Fields(text), " ") + "\n"
}

// writeScript atomically replaces path with the given content.
func writeScript(path string, parts ...string) (int64, error) {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	var written int64
	for _, part := range parts {
		n, err := io.WriteString(file, part)
		written += int64(n)
		if err != nil {
			file.Close()
			os.Remove(tmp)
			return written, err
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return written, err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return written, err
	}
	return written, os.Rename(tmp, path)
}
