// Package watchdog supervises a child process whose stdout may be far larger
// than memory, streaming it straight to a file while deciding whether the
// child is still working or hung on a corrupted region.
//
// Each run moves through STARTING, STREAMING and one terminal state:
// COMPLETED, KILLED_NO_OUTPUT (silent past the grace window), KILLED_STALLED
// (below the rolling byte floor), KILLED_TIMEOUT (no significant growth
// within the ceiling), FAILED or CANCELED. Kill detection and progress
// reporting run on separate tickers.
package watchdog
