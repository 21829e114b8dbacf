// Package boothealth tracks per-device boot-cycle quality. A rolling
// ledger of typed events (boot-health.json) is kept for the last N boot
// cycles and a 0-100 score is derived from it on demand. A presence-only
// marker file (clean-shutdown.flag) distinguishes graceful shutdowns from
// crashes.
package boothealth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	ledgerFile = "boot-health.json"
	markerFile = "clean-shutdown.flag"

	// DefaultWindow is the number of boot cycles retained.
	DefaultWindow = 10
)

// EventKind classifies a boot-cycle event.
type EventKind string

const (
	CleanShutdown   EventKind = "clean_shutdown"
	DirtyBoot       EventKind = "dirty_boot"
	Brownout        EventKind = "brownout"
	WatchdogTimeout EventKind = "watchdog_timeout"
)

// Event is one entry in the rolling ledger.
type Event struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`
}

type ledgerDoc struct {
	Events []Event `json:"events"`
}

// Ledger is the durable rolling event record for one device. Records are
// appended at boot and shutdown time and trimmed to the window.
type Ledger struct {
	mu     sync.Mutex
	path   string
	window int
	events []Event
}

// NewLedger opens or creates the ledger in dir. A window of zero or less
// falls back to DefaultWindow.
func NewLedger(dir string, window int) (*Ledger, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Ledger{path: filepath.Join(dir, ledgerFile), window: window}

	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read boot health ledger: %w", err)
	}
	var doc ledgerDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse boot health ledger: %w", err)
	}
	l.events = doc.Events
	l.trim()
	return l, nil
}

// Record appends an event and persists the trimmed ledger.
func (l *Ledger) Record(kind EventKind, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, Event{Kind: kind, At: at.UTC()})
	l.trim()
	return l.save()
}

// Events returns a copy of the retained events, oldest first.
func (l *Ledger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Score computes the current health score under w.
func (l *Ledger) Score(w Weights) int {
	return ScoreEvents(l.Events(), w)
}

// trim bounds the ledger to the window's most recent boot cycles. A
// cycle opens at its boot-outcome event (clean_shutdown or dirty_boot);
// mid-cycle events such as brownouts and watchdog timeouts stay with
// their cycle and never displace a boot outcome.
func (l *Ledger) trim() {
	cycles := 0
	for i := len(l.events) - 1; i >= 0; i-- {
		switch l.events[i].Kind {
		case CleanShutdown, DirtyBoot:
			cycles++
			if cycles == l.window {
				l.events = l.events[i:]
				return
			}
		}
	}
}

func (l *Ledger) save() error {
	raw, err := json.Marshal(ledgerDoc{Events: l.events})
	if err != nil {
		return fmt.Errorf("encode boot health ledger: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ledgerFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("write boot health ledger: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write boot health ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write boot health ledger: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write boot health ledger: %w", err)
	}
	return nil
}

// WriteMarker records an intentional shutdown. Call it immediately before
// a reboot or shutdown action completes.
func WriteMarker(dir string) error {
	if err := os.WriteFile(filepath.Join(dir, markerFile), nil, 0o600); err != nil {
		return fmt.Errorf("write clean shutdown marker: %w", err)
	}
	return nil
}

// ConsumeMarker reports whether the last shutdown was graceful and
// removes the marker so it only witnesses one boot.
func ConsumeMarker(dir string) (bool, error) {
	path := filepath.Join(dir, markerFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("check clean shutdown marker: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("consume clean shutdown marker: %w", err)
	}
	return true, nil
}

// RecordBoot runs once at process start: a present marker records a clean
// shutdown, an absent one records a dirty boot. Returns the recorded kind.
func RecordBoot(l *Ledger, dir string, now time.Time) (EventKind, error) {
	clean, err := ConsumeMarker(dir)
	if err != nil {
		return "", err
	}
	kind := DirtyBoot
	if clean {
		kind = CleanShutdown
	}
	if err := l.Record(kind, now); err != nil {
		return "", err
	}
	return kind, nil
}
