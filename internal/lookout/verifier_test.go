package lookout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/roostlabs/roost/internal/signet"
)

// fakeTrust is an in-memory TrustSource with roster promotion semantics.
type fakeTrust struct {
	mu      sync.Mutex
	entries map[string]*TrustEntry
}

func newFakeTrust() *fakeTrust {
	return &fakeTrust{entries: make(map[string]*TrustEntry)}
}

func (f *fakeTrust) add(e *TrustEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.DeviceID] = e
}

func (f *fakeTrust) Lookup(_ context.Context, deviceID string) (*TrustEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *fakeTrust) Observe(_ context.Context, deviceID string, obs Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[deviceID]
	if !ok {
		return signet.ErrUnknownDevice
	}
	e.Hostname = obs.Hostname
	e.IP = obs.IP
	e.UptimeSec = obs.UptimeSec
	e.LastScore = obs.Score
	seen := obs.SeenAt
	e.LastSeen = &seen
	return nil
}

func (f *fakeTrust) Promote(_ context.Context, deviceID string, epoch uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[deviceID]
	if !ok {
		return signet.ErrUnknownDevice
	}
	if e.Next.IsZero() {
		return errors.New("no staged key")
	}
	if epoch <= e.Epoch {
		return fmt.Errorf("epoch would not increase: %d -> %d", e.Epoch, epoch)
	}
	e.Active = e.Next
	e.Next = nil
	e.Epoch = epoch
	return nil
}

func (f *fakeTrust) All(_ context.Context) ([]TrustEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TrustEntry
	for _, e := range f.entries {
		out = append(out, *e)
	}
	return out, nil
}

func testVerifier(t *testing.T) (*Verifier, *fakeTrust, *Aggregator) {
	t.Helper()
	trust := newFakeTrust()
	agg := NewAggregator(60 * time.Second)
	v := NewVerifier(trust, signet.NewGuard(30*time.Second), agg, nil, 50, nil)
	return v, trust, agg
}

func mustKey(t *testing.T) signet.Key {
	t.Helper()
	k, err := signet.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func signedBeacon(key signet.Key, deviceID string, epoch uint64, score int, now time.Time) []byte {
	b := &signet.Beacon{
		Type:       signet.BeaconType,
		DeviceID:   deviceID,
		Hostname:   "perch-01",
		Port:       8090,
		TS:         now.Unix(),
		Nonce:      signet.NewNonce(),
		Epoch:      epoch,
		UptimeSec:  120,
		BootHealth: signet.HealthSnapshot{Score: score},
	}
	b.SignWith(key)
	raw, _ := json.Marshal(b)
	return raw
}

func TestVerifiedBeaconUpdatesState(t *testing.T) {
	v, trust, agg := testVerifier(t)
	key := mustKey(t)
	trust.add(&TrustEntry{DeviceID: "dev-1", Role: "sensor", Site: "barn", Active: key, Epoch: 2})
	now := time.Now()

	if err := v.HandleDatagram(context.Background(), signedBeacon(key, "dev-1", 2, 85, now), "10.0.0.5", now); err != nil {
		t.Fatalf("HandleDatagram: %v", err)
	}

	entry, _ := trust.Lookup(context.Background(), "dev-1")
	if entry.LastSeen == nil || entry.LastScore != 85 || entry.IP != "10.0.0.5" {
		t.Errorf("observation not recorded: %+v", entry)
	}

	snap := agg.Snapshot(now)
	if len(snap) != 1 || !snap[0].Online || snap[0].BootHealth.Score != 85 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestUnknownDeviceDropped(t *testing.T) {
	v, _, agg := testVerifier(t)
	now := time.Now()

	err := v.HandleDatagram(context.Background(), signedBeacon(mustKey(t), "ghost", 1, 100, now), "10.0.0.9", now)
	if !errors.Is(err, signet.ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}
	if len(agg.Snapshot(now)) != 0 {
		t.Error("unknown device updated the snapshot")
	}
}

// A flood of beacons claiming never-enrolled device IDs must not grow
// the aggregator's per-device lock table.
func TestUnknownDeviceLeavesNoLockState(t *testing.T) {
	v, _, agg := testVerifier(t)
	key := mustKey(t)
	now := time.Now()

	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("ghost-%d", i)
		err := v.HandleDatagram(context.Background(), signedBeacon(key, id, 1, 100, now), "10.0.0.9", now)
		if !errors.Is(err, signet.ErrUnknownDevice) {
			t.Fatalf("beacon %d: err = %v, want ErrUnknownDevice", i, err)
		}
	}

	agg.mu.RLock()
	locks := len(agg.locks)
	agg.mu.RUnlock()
	if locks != 0 {
		t.Errorf("lock table holds %d entries after unenrolled beacons, want 0", locks)
	}
}

func TestBadSignatureDropped(t *testing.T) {
	v, trust, agg := testVerifier(t)
	trust.add(&TrustEntry{DeviceID: "dev-1", Active: mustKey(t), Epoch: 1})
	now := time.Now()

	err := v.HandleDatagram(context.Background(), signedBeacon(mustKey(t), "dev-1", 1, 100, now), "10.0.0.5", now)
	if !errors.Is(err, signet.ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
	if len(agg.Snapshot(now)) != 0 {
		t.Error("unverified beacon updated the snapshot")
	}
}

func TestReplayedBeaconDropped(t *testing.T) {
	v, trust, _ := testVerifier(t)
	key := mustKey(t)
	trust.add(&TrustEntry{DeviceID: "dev-1", Active: key, Epoch: 1})
	now := time.Now()

	raw := signedBeacon(key, "dev-1", 1, 100, now)
	if err := v.HandleDatagram(context.Background(), raw, "10.0.0.5", now); err != nil {
		t.Fatalf("first: %v", err)
	}
	err := v.HandleDatagram(context.Background(), raw, "10.0.0.5", now.Add(5*time.Second))
	if !errors.Is(err, signet.ErrReplayedNonce) {
		t.Fatalf("err = %v, want ErrReplayedNonce", err)
	}
}

func TestMalformedDatagramDropped(t *testing.T) {
	v, _, _ := testVerifier(t)
	now := time.Now()
	if err := v.HandleDatagram(context.Background(), []byte("not json"), "10.0.0.5", now); err == nil {
		t.Fatal("malformed datagram accepted")
	}
	raw, _ := json.Marshal(map[string]string{"type": "something-else"})
	if err := v.HandleDatagram(context.Background(), raw, "10.0.0.5", now); err == nil {
		t.Fatal("wrong datagram type accepted")
	}
}

// Rotation walk-through: a node at epoch 2 stages K2, keeps beaconing
// with K1, then switches to K2. The fleet promotes on the first K2
// beacon, after which K1 no longer verifies.
func TestRotationPromotionSequence(t *testing.T) {
	v, trust, _ := testVerifier(t)
	ctx := context.Background()
	k1 := mustKey(t)
	k2 := mustKey(t)
	trust.add(&TrustEntry{DeviceID: "dev-1", Active: k1, Next: k2, Epoch: 2})
	now := time.Now()

	// Beacon under the old active key: no promotion.
	if err := v.HandleDatagram(ctx, signedBeacon(k1, "dev-1", 2, 100, now), "10.0.0.5", now); err != nil {
		t.Fatalf("K1 beacon: %v", err)
	}
	entry, _ := trust.Lookup(ctx, "dev-1")
	if entry.Epoch != 2 || entry.Next.IsZero() {
		t.Fatalf("premature promotion: %+v", entry)
	}

	// First beacon under the staged key promotes to epoch 3.
	now = now.Add(time.Second)
	if err := v.HandleDatagram(ctx, signedBeacon(k2, "dev-1", 3, 100, now), "10.0.0.5", now); err != nil {
		t.Fatalf("K2 beacon: %v", err)
	}
	entry, _ = trust.Lookup(ctx, "dev-1")
	if entry.Epoch != 3 {
		t.Fatalf("epoch = %d, want 3", entry.Epoch)
	}
	if !entry.Next.IsZero() {
		t.Fatal("staged key not cleared by promotion")
	}

	// The retired key is now rejected.
	now = now.Add(time.Second)
	err := v.HandleDatagram(ctx, signedBeacon(k1, "dev-1", 2, 100, now), "10.0.0.5", now)
	if !errors.Is(err, signet.ErrBadSignature) {
		t.Fatalf("retired key beacon err = %v, want ErrBadSignature", err)
	}
}
