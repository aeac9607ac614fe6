package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Hub fans events out to subscribers keyed by session ID.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[uint64]chan Event
	nextID   uint64
	dropped  atomic.Uint64
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]map[uint64]chan Event)}
}

// Subscribe registers an observer for sessionID. The returned function
// unsubscribes and closes the channel; it is safe to call more than once.
// The session entry disappears with its last subscriber.
func (h *Hub) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	subs := h.sessions[sessionID]
	if subs == nil {
		subs = make(map[uint64]chan Event)
		h.sessions[sessionID] = subs
	}
	subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.sessions[sessionID]
			if _, ok := subs[id]; !ok {
				return
			}
			delete(subs, id)
			close(ch)
			if len(subs) == 0 {
				delete(h.sessions, sessionID)
			}
		})
	}
}

// Publish delivers ev to every current subscriber of sessionID without
// blocking. A subscriber whose buffer is full misses the event. It returns the
// number of subscribers that received it.
func (h *Hub) Publish(sessionID string, ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, ch := range h.sessions[sessionID] {
		select {
		case ch <- ev:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

// Subscribers returns how many observers sessionID has.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Sessions returns how many sessions have at least one subscriber.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
