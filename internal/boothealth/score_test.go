package boothealth

import (
	"testing"
	"time"
)

func events(kinds ...EventKind) []Event {
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Event, len(kinds))
	for i, k := range kinds {
		out[i] = Event{Kind: k, At: at.Add(time.Duration(i) * time.Hour)}
	}
	return out
}

func TestScoreEvents(t *testing.T) {
	w := DefaultWeights()

	tests := []struct {
		name   string
		events []Event
		want   int
	}{
		{"no events", nil, 100},
		{"all clean", events(CleanShutdown, CleanShutdown, CleanShutdown), 100},
		{"one dirty boot", events(DirtyBoot), 85},
		{"brownout", events(Brownout), 80},
		{"watchdog timeout", events(WatchdogTimeout), 90},
		// 3 dirty boots with no clean shutdown: 100 - 3*15 - 25 = 30.
		{"crash loop", events(DirtyBoot, DirtyBoot, DirtyBoot), 30},
		// A clean shutdown between dirty boots resets the run, so no
		// crash-loop deduction: 100 - 3*15 = 55.
		{"dirty boots interrupted by clean shutdown",
			events(DirtyBoot, DirtyBoot, CleanShutdown, DirtyBoot), 55},
		{"clamped at zero",
			events(DirtyBoot, DirtyBoot, DirtyBoot, Brownout, Brownout, Brownout, WatchdogTimeout), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScoreEvents(tt.events, w); got != tt.want {
				t.Errorf("ScoreEvents = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScoreCustomWeights(t *testing.T) {
	w := Weights{DirtyBoot: 50, CrashLoopRuns: 2, CrashLoop: 10}
	if got := ScoreEvents(events(DirtyBoot, DirtyBoot), w); got != 0 {
		t.Errorf("score = %d, want 0 (100 - 2*50 - 10 clamped)", got)
	}
}
