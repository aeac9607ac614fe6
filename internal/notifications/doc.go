// Package notifications delivers session outcomes via ntfy.
//
// NewService returns a no-op when no topic is configured, so callers never
// branch on whether alerts are enabled.
package notifications
