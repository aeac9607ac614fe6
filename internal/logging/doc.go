// Package logging assembles structured slog loggers and formatting helpers used
// across sqlrescue.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so recovery code can tag log
// lines with session IDs, strategies, and phases. Per-session log files are
// produced by teeing the daemon logger into a JSON handler. The package also
// provides a no-op logger for tests and wiring code that cannot fail.
package logging
