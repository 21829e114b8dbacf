package boothealth

// Weights are the per-event score deductions. The defaults are tuned
// heuristics, not an external contract; deployments can override them in
// configuration.
type Weights struct {
	DirtyBoot       int `mapstructure:"dirty_boot"`
	Brownout        int `mapstructure:"brownout"`
	WatchdogTimeout int `mapstructure:"watchdog_timeout"`
	CrashLoop       int `mapstructure:"crash_loop"`
	// CrashLoopRuns is the number of dirty boots, uninterrupted by a
	// clean shutdown, that counts as a crash loop.
	CrashLoopRuns int `mapstructure:"crash_loop_runs"`
}

// DefaultWeights returns the standard deduction table.
func DefaultWeights() Weights {
	return Weights{
		DirtyBoot:       15,
		Brownout:        20,
		WatchdogTimeout: 10,
		CrashLoop:       25,
		CrashLoopRuns:   3,
	}
}

// ScoreEvents derives a 0-100 health score from a window of events.
// The score starts at 100, each negative event deducts its weight, and a
// crash loop deducts once more on top. A clean shutdown deducts nothing
// and resets the crash-loop run. The result is clamped to [0, 100].
func ScoreEvents(events []Event, w Weights) int {
	score := 100
	run := 0
	crashLoop := false

	for _, ev := range events {
		switch ev.Kind {
		case CleanShutdown:
			run = 0
		case DirtyBoot:
			score -= w.DirtyBoot
			run++
			if w.CrashLoopRuns > 0 && run >= w.CrashLoopRuns {
				crashLoop = true
			}
		case Brownout:
			score -= w.Brownout
		case WatchdogTimeout:
			score -= w.WatchdogTimeout
		}
	}
	if crashLoop {
		score -= w.CrashLoop
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
