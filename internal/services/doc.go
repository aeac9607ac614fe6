// Package services defines shared utilities consumed by the recovery workflow
// and the external sqlite3 integration.
//
// Key responsibilities:
//   - Context helpers that stamp session IDs, strategy names, phases, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper, so spawn failures,
//     timeouts, stalls, and materialization failures are classified the same
//     way by the strategy chain and the HTTP API.
//
// Use these helpers when wiring new recovery logic so operational behaviour
// (error handling, observability) stays uniform across the pipeline.
package services
