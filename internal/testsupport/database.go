package testsupport

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// SampleSchema creates three small related tables.
var SampleSchema = []string{
	`CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT)`,
	`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER REFERENCES customers(id), total REAL, note TEXT)`,
	`CREATE TABLE attachments (id INTEGER PRIMARY KEY, order_id INTEGER, payload BLOB)`,
	`CREATE INDEX orders_customer ON orders(customer_id)`,
	`INSERT INTO customers (name, email) VALUES ('Ada', 'ada@example.com'), ('Grace', NULL), ('O''Brien', 'ob@example.com')`,
	`INSERT INTO orders (customer_id, total, note) VALUES (1, 19.5, 'first'), (1, 5, NULL), (2, 100.25, 'semi;colon'), (3, 0, 'line
break')`,
	`INSERT INTO attachments (order_id, payload) VALUES (1, x'00ff10'), (2, NULL)`,
}

// SampleRowCount is the number of rows SampleSchema inserts.
const SampleRowCount = 9

// MustCreateDatabase builds a SQLite file at path from statements.
func MustCreateDatabase(t testing.TB, path string, statements ...string) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	return path
}

// MustCreateSampleDatabase writes the sample database into dir.
func MustCreateSampleDatabase(t testing.TB, dir string) string {
	t.Helper()
	return MustCreateDatabase(t, filepath.Join(dir, "sample.db"), SampleSchema...)
}

// CountRows returns the row count of table in the database at path.
func CountRows(t testing.TB, path, table string) int64 {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()
	var n int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM "` + table + `"`).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
