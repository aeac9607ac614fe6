package workflow

import (
	"testing"

	"sqlrescue/internal/recovery"
)

func TestRecoveryPercentBands(t *testing.T) {
	tests := []struct {
		name string
		ev   recovery.Event
		want float64
	}{
		{"first step start", recovery.Event{Step: 1, Steps: 5, Percent: 0}, 0},
		{"first step done", recovery.Event{Step: 1, Steps: 5, Percent: 100}, 14},
		{"unknown percent sits at step base", recovery.Event{Step: 3, Steps: 5, Percent: -1}, 28},
		{"half of last step", recovery.Event{Step: 5, Steps: 5, Percent: 50}, 63},
		{"clamped overshoot", recovery.Event{Step: 1, Steps: 1, Percent: 250}, 70},
		{"missing step info", recovery.Event{Percent: 50}, 35},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recoveryPercent(tt.ev); got != tt.want {
				t.Fatalf("recoveryPercent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMaterializePercentBand(t *testing.T) {
	if got := materializePercent(0); got != recoveryEnd {
		t.Fatalf("start = %v", got)
	}
	if got := materializePercent(100); got != materializeEnd {
		t.Fatalf("end = %v", got)
	}
	if got := materializePercent(-5); got != recoveryEnd {
		t.Fatalf("negative = %v", got)
	}
}
