package workflow

import (
	"fmt"
	"time"

	"sqlrescue/internal/logging"
	"sqlrescue/internal/progress"
	"sqlrescue/internal/recovery"
)

// Overall progress bands per phase.
const (
	recoveryEnd    = 70.0
	materializeEnd = 95.0
	statsEnd       = 100.0
)

// recoveryPercent maps a chain event onto the recovery band. Each step owns
// an equal slice; unknown percentages sit at the start of the step's slice.
func recoveryPercent(ev recovery.Event) float64 {
	steps := max(ev.Steps, 1)
	step := min(max(ev.Step, 1), steps)
	span := recoveryEnd / float64(steps)
	base := float64(step-1) * span
	if ev.Percent < 0 {
		return base
	}
	return base + min(ev.Percent, 100)/100*span
}

func materializePercent(pct float64) float64 {
	pct = min(max(pct, 0), 100)
	return recoveryEnd + pct/100*(materializeEnd-recoveryEnd)
}

func recoveryDetail(ev recovery.Event) string {
	detail := fmt.Sprintf("step %d/%d %s", ev.Step, ev.Steps, ev.Strategy)
	if ev.Detail != "" {
		detail += ": " + ev.Detail
	}
	return detail
}

// publisher records and fans out a session's progress.
type publisher struct {
	run      *run
	throttle *progress.Throttle
	sampler  *logging.ProgressSampler
	last     float64
}

func newPublisher(r *run) *publisher {
	p := &publisher{run: r, sampler: logging.NewProgressSampler(10)}
	p.throttle = progress.NewThrottle(progressRate, func(ev progress.Event) {
		r.sess.Record(ev)
		r.svc.hub.Publish(r.sess.ID, ev)
	})
	return p
}

func (p *publisher) progress(phase progress.Phase, pct float64, message, detail string) {
	pct = min(max(pct, 0), statsEnd)
	p.last = pct
	if p.sampler.ShouldLog(pct, string(phase)) {
		p.run.logger.Info("session progress",
			logging.String(logging.FieldEventType, "session_progress"),
			logging.String(logging.FieldPhase, string(phase)),
			logging.Float64("progress", pct),
			logging.String("message", message),
		)
	}
	p.throttle.Send(progress.Event{
		Type:      progress.TypeProgress,
		Phase:     phase,
		Progress:  pct,
		Message:   message,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

// terminal ends the stream. Errors keep the last reported percentage.
func (p *publisher) terminal(kind progress.Type, message, detail string) {
	pct := statsEnd
	if kind == progress.TypeError {
		pct = p.last
	}
	p.throttle.Send(progress.Event{
		Type:      kind,
		Phase:     progress.PhaseDone,
		Progress:  pct,
		Message:   message,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}
