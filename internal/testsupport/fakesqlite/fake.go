// Package fakesqlite is a stand-in for the sqlite3 command-line shell used by
// tests. The test binary re-executes itself as the shell: a package's TestMain
// calls Active and Main before running tests, and Install points callers at
// os.Executable with the fake switched on through the environment.
//
// The fake reads real database files through modernc.org/sqlite and supports
// the subset of the shell the recovery code drives: -version, -batch,
// -readonly, -noheader, -list, .recover, .dump [pattern], .schema, .tables,
// SELECT statements and SQL replay from stdin. Faults are injected per command
// with a comma separated list such as "recover=fail,dump:orders=hang". The
// capability check that runs .recover against :memory: has its own key,
// "capability", so "capability=unknown" models a shell built without .recover.
package fakesqlite

import (
	"bufio"
	"bytes"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// EnvActive switches a test binary into shell mode.
	EnvActive = "SQLRESCUE_FAKE_SQLITE"
	// EnvFaults carries the fault list.
	EnvFaults = "SQLRESCUE_FAKE_SQLITE_FAULTS"
	// EnvLog names a file that receives one line per invocation.
	EnvLog = "SQLRESCUE_FAKE_SQLITE_LOG"

	// Version is what -version prints.
	Version = "3.46.1 2024-08-13 09:16:08 fakesqlite"

	hangFor = 10 * time.Minute
)

// Fault actions.
const (
	Hang    = "hang"
	Fail    = "fail"
	Unknown = "unknown"
	Stall   = "stall"
	Trickle = "trickle"
	Empty   = "empty"
	Partial = "partial"
	// Rollback cuts a dump short the way the shell does on a damaged page:
	// some rows, then a ROLLBACK marker, and exit status 0.
	Rollback = "rollback"
)

// Active reports whether the current process should behave as the shell.
func Active() bool {
	return os.Getenv(EnvActive) == "1"
}

// Install switches child processes into shell mode with the given faults and
// returns the path to use as the sqlite3 binary.
func Install(t testing.TB, faults string) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}
	t.Setenv(EnvActive, "1")
	t.Setenv(EnvFaults, faults)
	return exe
}

// RecordInvocations makes every fake invocation append its arguments to a
// file and returns a function reading them back.
func RecordInvocations(t testing.TB) func() [][]string {
	t.Helper()
	path := t.TempDir() + "/invocations.log"
	t.Setenv(EnvLog, path)
	return func() [][]string {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			t.Fatalf("read invocations: %v", err)
		}
		var calls [][]string
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			if line != "" {
				calls = append(calls, strings.Split(line, "\x1f"))
			}
		}
		return calls
	}
}

// Main runs the fake shell and returns its exit status.
func Main(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logInvocation(args)
	faults := parseFaults(os.Getenv(EnvFaults))

	out := bufio.NewWriter(stdout)
	defer out.Flush()

	var dbPath string
	var commands []string
	for _, arg := range args {
		switch {
		case dbPath == "" && arg == "-version":
			if action, ok := faults["version"]; ok {
				out.Flush()
				return apply(action, "version", stdout, stderr, nil)
			}
			fmt.Fprintln(out, Version)
			return 0
		case dbPath == "" && strings.HasPrefix(arg, "-"):
		case dbPath == "":
			dbPath = arg
		default:
			commands = append(commands, arg)
		}
	}
	if dbPath == "" {
		fmt.Fprintln(stderr, "Error: no database file given")
		return 1
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: unable to open database %q: %v\n", dbPath, err)
		return 1
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if len(commands) == 0 {
		if action, ok := faults["exec"]; ok {
			return apply(action, "exec", stdout, stderr, nil)
		}
		return execScript(db, stdin, stderr)
	}

	for _, command := range commands {
		key, generate := dispatch(db, command)
		if key == "recover" && dbPath == ":memory:" {
			key = "capability"
		}
		if action, ok := faults[key]; ok {
			out.Flush()
			return apply(action, key, stdout, stderr, generate)
		}
		if err := generate(out); err != nil {
			out.Flush()
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	return 0
}

func dispatch(db *sql.DB, command string) (string, func(io.Writer) error) {
	trimmed := strings.TrimSpace(command)
	switch {
	case strings.HasPrefix(trimmed, ".recover"):
		return "recover", func(w io.Writer) error { return dump(db, w, "", "BEGIN;", "COMMIT;") }
	case trimmed == ".dump":
		return "dump", func(w io.Writer) error { return dump(db, w, "", "BEGIN TRANSACTION;", "COMMIT;") }
	case strings.HasPrefix(trimmed, ".dump "):
		pattern := unquoteArg(strings.TrimSpace(strings.TrimPrefix(trimmed, ".dump")))
		return "dump:" + unescapeLike(pattern), func(w io.Writer) error {
			return dump(db, w, pattern, "BEGIN TRANSACTION;", "COMMIT;")
		}
	case trimmed == ".schema":
		return "schema", func(w io.Writer) error { return schema(db, w) }
	case trimmed == ".tables":
		return "tables", func(w io.Writer) error { return tables(db, w) }
	case strings.HasPrefix(trimmed, "."):
		return "unknown", func(io.Writer) error {
			return fmt.Errorf("unknown command or invalid arguments:  %q. Enter \".help\" for help", strings.Fields(trimmed)[0][1:])
		}
	default:
		return "query", func(w io.Writer) error { return query(db, w, trimmed) }
	}
}

func apply(action, key string, stdout, stderr io.Writer, generate func(io.Writer) error) int {
	full := func() []byte {
		var buf bytes.Buffer
		if generate != nil {
			_ = generate(&buf)
		}
		if buf.Len() == 0 {
			buf.WriteString("-- fake output\n")
		}
		return buf.Bytes()
	}
	switch action {
	case Hang:
		time.Sleep(hangFor)
		return 0
	case Fail:
		fmt.Fprintln(stderr, "Error: database disk image is malformed")
		return 1
	case Unknown:
		name := strings.SplitN(key, ":", 2)[0]
		if name == "capability" {
			name = "recover"
		}
		fmt.Fprintf(stderr, "Error: unknown command or invalid arguments:  %q. Enter \".help\" for help\n", name)
		return 1
	case Stall:
		data := full()
		_, _ = stdout.Write(data[:(len(data)+1)/2])
		time.Sleep(hangFor)
		return 0
	case Trickle:
		deadline := time.Now().Add(hangFor)
		for time.Now().Before(deadline) {
			if _, err := stdout.Write([]byte("-")); err != nil {
				return 1
			}
			time.Sleep(20 * time.Millisecond)
		}
		return 0
	case Empty:
		return 0
	case Partial:
		data := full()
		_, _ = stdout.Write(data[:(len(data)+1)/2])
		fmt.Fprintln(stderr, "Error: database disk image is malformed")
		return 1
	case Rollback:
		_, _ = stdout.Write(rolledBack(full()))
		return 0
	default:
		fmt.Fprintf(stderr, "fakesqlite: unknown fault action %q\n", action)
		return 2
	}
}

// rolledBack keeps the first half of the INSERT lines of a dump and replaces
// its COMMIT with the shell's corruption trailer.
func rolledBack(data []byte) []byte {
	lines := strings.SplitAfter(string(data), "\n")
	inserts := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "INSERT ") {
			inserts++
		}
	}
	keep := inserts / 2
	var b strings.Builder
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "COMMIT;" {
			break
		}
		if strings.HasPrefix(line, "INSERT ") {
			if keep == 0 {
				break
			}
			keep--
		}
		b.WriteString(line)
	}
	b.WriteString("/****** CORRUPTION ERROR *******/\n")
	b.WriteString("/****** database disk image is malformed ******/\n")
	b.WriteString("ROLLBACK; -- due to errors\n")
	return []byte(b.String())
}

func parseFaults(spec string) map[string]string {
	faults := make(map[string]string)
	for _, item := range strings.Split(spec, ",") {
		key, action, ok := strings.Cut(strings.TrimSpace(item), "=")
		if ok && key != "" {
			faults[key] = action
		}
	}
	return faults
}

func logInvocation(args []string) {
	path := os.Getenv(EnvLog)
	if path == "" {
		return
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	fmt.Fprintln(file, strings.Join(args, "\x1f"))
}

type object struct {
	kind string
	name string
	sql  string
}

func objects(db *sql.DB) ([]object, error) {
	rows, err := db.Query(`SELECT type, name, sql FROM sqlite_master WHERE sql IS NOT NULL ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var objs []object
	for rows.Next() {
		var o object
		if err := rows.Scan(&o.kind, &o.name, &o.sql); err != nil {
			return nil, err
		}
		objs = append(objs, o)
	}
	return objs, rows.Err()
}

func dump(db *sql.DB, w io.Writer, pattern, begin, commit string) error {
	objs, err := objects(db)
	if err != nil {
		return err
	}
	selected := func(string) bool { return true }
	if pattern != "" {
		matches := make(map[string]bool)
		rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name LIKE ? ESCAPE '\'`, pattern)
		if err != nil {
			return err
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			matches[name] = true
		}
		rows.Close()
		selected = func(name string) bool { return matches[name] }
	}

	fmt.Fprintln(w, "PRAGMA foreign_keys=OFF;")
	fmt.Fprintln(w, begin)
	for _, o := range objs {
		if o.kind != "table" || strings.HasPrefix(o.name, "sqlite_") || !selected(o.name) {
			continue
		}
		fmt.Fprintf(w, "%s;\n", o.sql)
		if err := dumpRows(db, w, o.name); err != nil {
			return err
		}
	}
	for _, o := range objs {
		if o.kind == "table" || strings.HasPrefix(o.name, "sqlite_") {
			continue
		}
		if pattern != "" {
			continue
		}
		fmt.Fprintf(w, "%s;\n", o.sql)
	}
	fmt.Fprintln(w, commit)
	return nil
}

func dumpRows(db *sql.DB, w io.Writer, table string) error {
	quoted := `"` + strings.ReplaceAll(table, `"`, `""`) + `"`
	rows, err := db.Query("SELECT * FROM " + quoted)
	if err != nil {
		return err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		literals := make([]string, len(values))
		for i, v := range values {
			literals[i] = literal(v)
		}
		fmt.Fprintf(w, "INSERT INTO %s VALUES(%s);\n", quoted, strings.Join(literals, ","))
	}
	return rows.Err()
}

func literal(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		s := strconv.FormatFloat(val, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEn") {
			s += ".0"
		}
		return s
	case []byte:
		return "X'" + hex.EncodeToString(val) + "'"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case bool:
		if val {
			return "1"
		}
		return "0"
	case time.Time:
		return "'" + val.Format(time.RFC3339Nano) + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(val), "'", "''") + "'"
	}
}

func schema(db *sql.DB, w io.Writer) error {
	objs, err := objects(db)
	if err != nil {
		return err
	}
	for _, o := range objs {
		fmt.Fprintf(w, "%s;\n", o.sql)
	}
	return nil
}

func tables(db *sql.DB, w io.Writer) error {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' ORDER BY name`)
	if err != nil {
		return err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(names) > 0 {
		fmt.Fprintln(w, strings.Join(names, "  "))
	}
	return nil
}

func query(db *sql.DB, w io.Writer, stmt string) error {
	rows, err := db.Query(stmt)
	if err != nil {
		return err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		fields := make([]string, len(values))
		for i, v := range values {
			switch val := v.(type) {
			case nil:
			case []byte:
				fields[i] = string(val)
			default:
				fields[i] = fmt.Sprint(val)
			}
		}
		fmt.Fprintln(w, strings.Join(fields, "|"))
	}
	return rows.Err()
}

func execScript(db *sql.DB, stdin io.Reader, stderr io.Writer) int {
	data, err := io.ReadAll(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "Error: read input: %v\n", err)
		return 1
	}
	var script strings.Builder
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		script.WriteString(line)
		script.WriteByte('\n')
	}
	if strings.TrimSpace(script.String()) == "" {
		return 0
	}
	if _, err := db.Exec(script.String()); err != nil {
		fmt.Fprintf(stderr, "Parse error: %v\n", err)
		return 1
	}
	return 0
}

func unquoteArg(arg string) string {
	if len(arg) >= 2 && arg[0] == '\'' && arg[len(arg)-1] == '\'' {
		return arg[1 : len(arg)-1]
	}
	if len(arg) >= 2 && arg[0] == '"' && arg[len(arg)-1] == '"' {
		var b strings.Builder
		inner := arg[1 : len(arg)-1]
		for i := 0; i < len(inner); i++ {
			if inner[i] == '\\' && i+1 < len(inner) {
				i++
			}
			b.WriteByte(inner[i])
		}
		return b.String()
	}
	return arg
}

func unescapeLike(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '\\' && i+1 < len(pattern) {
			i++
		}
		b.WriteByte(pattern[i])
	}
	return b.String()
}
