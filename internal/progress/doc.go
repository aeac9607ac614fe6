// Package progress broadcasts per-session progress events to live observers.
//
// The hub is a live feed, not a log: an event published while nobody is
// subscribed is gone, and a subscriber only sees events published after it
// joined. Sessions keep their own history separately.
package progress
