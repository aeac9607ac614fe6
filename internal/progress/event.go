package progress

import "time"

// Type classifies an event frame.
type Type string

const (
	TypeConnected Type = "connected"
	TypeProgress  Type = "progress"
	TypeComplete  Type = "complete"
	TypeError     Type = "error"
)

// Phase names the stage of a session an event belongs to.
type Phase string

const (
	PhaseIntake      Phase = "intake"
	PhaseProbe       Phase = "probe"
	PhaseRecovery    Phase = "recovery"
	PhaseMaterialize Phase = "materialize"
	PhaseStats       Phase = "stats"
	PhaseCleanup     Phase = "cleanup"
	PhaseDone        Phase = "done"
)

// Event is one progress frame.
type Event struct {
	Type      Type      `json:"type"`
	Phase     Phase     `json:"phase,omitempty"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event ends a session's stream.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// Connected is the synthetic first frame of every subscription.
func Connected() Event {
	return Event{Type: TypeConnected, Timestamp: time.Now().UTC()}
}
