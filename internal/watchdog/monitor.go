package watchdog

import "time"

type sample struct {
	at    time.Time
	bytes int64
}

// monitor applies Limits to a series of byte-count observations. It holds no
// timers of its own so the detectors can be driven by any clock.
type monitor struct {
	limits    Limits
	start     time.Time
	state     State
	decidedAt time.Time
	samples   []sample
	jumpAt    time.Time
	jumpBytes int64
}

func newMonitor(limits Limits, start time.Time) *monitor {
	return &monitor{
		limits:  limits,
		start:   start,
		state:   StateStarting,
		samples: []sample{{at: start}},
		jumpAt:  start,
	}
}

func (m *monitor) transition(next State, now time.Time) bool {
	if !m.state.CanTransition(next) {
		return false
	}
	m.state = next
	if next.Terminal() {
		m.decidedAt = now
	}
	return true
}

// firstByte moves STARTING to STREAMING once output has been seen.
func (m *monitor) firstByte(now time.Time, bytes int64) {
	if bytes > 0 && m.state == StateStarting {
		m.transition(StateStreaming, now)
	}
}

// observe feeds one tick and returns the state afterwards.
func (m *monitor) observe(now time.Time, bytes int64) State {
	if m.state.Terminal() {
		return m.state
	}
	m.firstByte(now, bytes)

	switch m.state {
	case StateStarting:
		if now.Sub(m.start) >= m.limits.NoOutputGrace {
			m.transition(StateKilledNoOutput, now)
		} else if now.Sub(m.jumpAt) >= m.limits.Ceiling {
			m.transition(StateKilledTimeout, now)
		}
	case StateStreaming:
		if bytes-m.jumpBytes >= m.limits.SignificantJump {
			m.jumpAt = now
			m.jumpBytes = bytes
		}
		if m.stalled(now, bytes) {
			m.transition(StateKilledStalled, now)
		} else if now.Sub(m.jumpAt) >= m.limits.Ceiling {
			m.transition(StateKilledTimeout, now)
		}
	}
	return m.state
}

// stalled reports whether fewer than StallMinBytes arrived during the last
// StallWindow. The window only becomes eligible once it has fully elapsed.
func (m *monitor) stalled(now time.Time, bytes int64) bool {
	if m.limits.StallMinBytes <= 0 {
		return false
	}
	m.samples = append(m.samples, sample{at: now, bytes: bytes})
	cutoff := now.Add(-m.limits.StallWindow)
	base := -1
	for i, s := range m.samples {
		if s.at.After(cutoff) {
			break
		}
		base = i
	}
	if base < 0 {
		return false
	}
	m.samples = m.samples[base:]
	return bytes-m.samples[0].bytes < m.limits.StallMinBytes
}

// finish records how the process ended on its own.
func (m *monitor) finish(now time.Time, bytes int64, exitCode int) State {
	m.firstByte(now, bytes)
	if m.state == StateStreaming && exitCode == 0 {
		m.transition(StateCompleted, now)
	} else {
		m.transition(StateFailed, now)
	}
	return m.state
}

func (m *monitor) cancel(now time.Time) {
	m.transition(StateCanceled, now)
}

func (m *monitor) elapsed(now time.Time) time.Duration {
	if !m.decidedAt.IsZero() {
		return m.decidedAt.Sub(m.start)
	}
	return now.Sub(m.start)
}
