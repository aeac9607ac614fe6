package dbstats

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"sqlrescue/internal/logging"
	"sqlrescue/internal/services"
)

// TableStat is the row count of one table.
type TableStat struct {
	Name  string `json:"name"`
	Rows  int64  `json:"rows"`
	Error string `json:"error,omitempty"`
}

// Stats summarizes a database file.
type Stats struct {
	TableCount    int         `json:"tableCount"`
	TotalRowCount int64       `json:"totalRowCount"`
	SizeBytes     int64       `json:"sizeBytes"`
	Tables        []TableStat `json:"tables,omitempty"`
	FailedCounts  int         `json:"failedCounts,omitempty"`
}

// Collector gathers Stats.
type Collector struct {
	logger *slog.Logger
}

// NewCollector constructs a Collector.
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logging.NewComponentLogger(logger, "dbstats")}
}

// Collect opens dbPath read-only and counts rows in every user table.
func (c *Collector) Collect(ctx context.Context, dbPath string) (Stats, error) {
	info, err := os.Stat(dbPath)
	if err != nil {
		return Stats{}, services.Wrap(services.ErrNotFound, "dbstats", "stat", dbPath, err)
	}
	stats := Stats{SizeBytes: info.Size()}

	db, err := sql.Open("sqlite", readOnlyDSN(dbPath))
	if err != nil {
		return stats, services.Wrap(services.ErrExternalTool, "dbstats", "open", dbPath, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	names, err := tableNames(ctx, db)
	if err != nil {
		return stats, services.Wrap(services.ErrExternalTool, "dbstats", "list tables", dbPath, err)
	}

	logger := logging.WithContext(ctx, c.logger)
	for _, name := range names {
		ts := TableStat{Name: name}
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(name)).Scan(&ts.Rows); err != nil {
			if ctx.Err() != nil {
				return stats, services.Wrap(services.ErrCanceled, "dbstats", "count", name, ctx.Err())
			}
			ts.Rows = 0
			ts.Error = err.Error()
			stats.FailedCounts++
			logging.WarnWithContext(logger, "row count failed; counting table as empty", "count_failed",
				logging.String("table", name),
				logging.Error(err),
				logging.String(logging.FieldImpact, "total row count excludes this table"),
			)
		}
		stats.TotalRowCount += ts.Rows
		stats.Tables = append(stats.Tables, ts)
	}
	stats.TableCount = len(names)

	logger.Debug("database stats collected",
		logging.Int("tables", stats.TableCount),
		logging.Int64("rows", stats.TotalRowCount),
		logging.Int64("size_bytes", stats.SizeBytes),
	)
	return stats, nil
}

func tableNames(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func readOnlyDSN(path string) string {
	return path + "?_pragma=query_only(1)"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
