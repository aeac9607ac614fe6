package watchdog

// State names one step of a supervised streaming run.
type State string

const (
	StateStarting       State = "STARTING"
	StateStreaming      State = "STREAMING"
	StateCompleted      State = "COMPLETED"
	StateKilledNoOutput State = "KILLED_NO_OUTPUT"
	StateKilledStalled  State = "KILLED_STALLED"
	StateKilledTimeout  State = "KILLED_TIMEOUT"
	StateFailed         State = "FAILED"
	StateCanceled       State = "CANCELED"
)

var transitions = map[State][]State{
	StateStarting:  {StateStreaming, StateKilledNoOutput, StateKilledTimeout, StateFailed, StateCanceled},
	StateStreaming: {StateCompleted, StateKilledStalled, StateKilledTimeout, StateFailed, StateCanceled},
}

// CanTransition reports whether next is a legal successor of s.
func (s State) CanTransition(next State) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Killed reports whether the watchdog terminated the process.
func (s State) Killed() bool {
	switch s {
	case StateKilledNoOutput, StateKilledStalled, StateKilledTimeout:
		return true
	default:
		return false
	}
}
