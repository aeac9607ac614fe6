// Package config loads, normalizes, and validates sqlrescue configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours SQLRESCUE_* environment overrides.
// The Config type centralizes the directories, sqlite3 shell location, and the
// timeout budget shared by the recovery chain, watchdog, and materializer.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
