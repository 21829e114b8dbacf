package perch

import (
	"testing"
	"time"

	"github.com/roostlabs/roost/internal/boothealth"
	"github.com/roostlabs/roost/internal/signet"
)

func testAgent(t *testing.T) *Agent {
	t.Helper()
	dir := t.TempDir()
	key, err := signet.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := Provision(dir, key.Hex(), 1); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	cfg := &Config{
		DeviceID:      "dev-1",
		DataDir:       dir,
		Hostname:      "perch-01",
		SkewTolerance: 30 * time.Second,
		Weights:       boothealth.DefaultWeights(),
	}
	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// An externally reported event, a supervisor noticing a watchdog reset
// for one, must land in the ledger and lower the score like any event
// the agent records itself.
func TestRecordEventLowersScore(t *testing.T) {
	a := testAgent(t)
	w := a.cfg.Weights

	before := a.ledger.Score(w)
	if before != 100 {
		t.Fatalf("fresh score = %d, want 100", before)
	}

	if err := a.RecordEvent(boothealth.WatchdogTimeout, time.Now()); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	want := 100 - w.WatchdogTimeout
	if got := a.ledger.Score(w); got != want {
		t.Errorf("score after watchdog timeout = %d, want %d", got, want)
	}

	events := a.ledger.Events()
	if len(events) != 1 || events[0].Kind != boothealth.WatchdogTimeout {
		t.Errorf("ledger events = %+v, want one watchdog_timeout", events)
	}
}
