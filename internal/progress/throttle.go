package progress

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttle limits how often in-phase progress updates are forwarded. Phase
// changes, non-progress frames and completion of a phase always pass.
type Throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	phase   Phase
	next    func(Event)
}

// NewThrottle forwards at most perSecond progress updates per second to next.
// A non-positive rate disables throttling.
func NewThrottle(perSecond float64, next func(Event)) *Throttle {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Throttle{limiter: rate.NewLimiter(limit, 1), next: next}
}

// Send forwards ev when it is allowed through.
func (t *Throttle) Send(ev Event) bool {
	t.mu.Lock()
	pass := ev.Type != TypeProgress || ev.Phase != t.phase || ev.Progress >= 100
	if pass {
		t.phase = ev.Phase
		// Keep the bucket in step so the next in-phase update is spaced out.
		t.limiter.Allow()
	} else {
		pass = t.limiter.Allow()
	}
	t.mu.Unlock()
	if pass && t.next != nil {
		t.next(ev)
	}
	return pass
}
