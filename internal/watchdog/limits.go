package watchdog

import "time"

// Limits holds the thresholds a run is judged against.
type Limits struct {
	// NoOutputGrace is how long the process may stay silent before it is
	// considered unable to produce anything for this input.
	NoOutputGrace time.Duration
	// StallWindow and StallMinBytes define the rolling progress floor. A
	// StallMinBytes of zero disables stall detection.
	StallWindow   time.Duration
	StallMinBytes int64
	// Ceiling is the longest the run may go without growing by
	// SignificantJump bytes.
	Ceiling         time.Duration
	SignificantJump int64
	// CheckInterval is the monitoring tick for the kill detectors.
	CheckInterval time.Duration
	// ProgressInterval is the reporting cadence, independent of CheckInterval.
	ProgressInterval time.Duration
}

// DefaultLimits returns production thresholds.
func DefaultLimits() Limits {
	return Limits{
		NoOutputGrace:    15 * time.Second,
		StallWindow:      90 * time.Second,
		StallMinBytes:    1 << 20,
		Ceiling:          3 * time.Minute,
		SignificantJump:  10 << 20,
		CheckInterval:    time.Second,
		ProgressInterval: 5 * time.Second,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.NoOutputGrace <= 0 {
		l.NoOutputGrace = def.NoOutputGrace
	}
	if l.StallWindow <= 0 {
		l.StallWindow = def.StallWindow
	}
	if l.StallMinBytes < 0 {
		l.StallMinBytes = 0
	}
	if l.Ceiling <= 0 {
		l.Ceiling = def.Ceiling
	}
	if l.SignificantJump <= 0 {
		l.SignificantJump = def.SignificantJump
	}
	if l.CheckInterval <= 0 {
		l.CheckInterval = def.CheckInterval
	}
	if l.ProgressInterval <= 0 {
		l.ProgressInterval = def.ProgressInterval
	}
	return l
}
