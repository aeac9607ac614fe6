// Package session tracks in-memory recovery sessions and the files each one
// owns.
//
// A Session records its progress history, outcome and stats for the summary
// endpoint. A Workspace owns the uploaded input and every intermediate file
// and releases them exactly once, whichever way the session ends. Sessions
// are never persisted; the Store forgets them after the retention TTL.
package session
