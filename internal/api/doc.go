// Package api defines the wire-format types of the HTTP API and converters
// from internal session, progress and workflow models.
//
// DTOs use camelCase JSON tags for browser consumers. Timestamps are RFC3339
// with milliseconds. Artifact fields carry download names, never filesystem
// paths.
package api
