package lookout

import (
	"context"
	"time"

	"github.com/roostlabs/roost/internal/signet"
)

// TrustEntry is the slice of a device's trust record that beacon
// verification needs.
type TrustEntry struct {
	DeviceID  string
	Role      string
	Site      string
	Active    signet.Key
	Next      signet.Key
	Epoch     uint64
	Hostname  string
	IP        string
	UptimeSec int64
	LastSeen  *time.Time
	LastScore int
}

// Observation is the liveness state extracted from a verified beacon.
type Observation struct {
	Hostname  string
	IP        string
	UptimeSec int64
	Score     int
	SeenAt    time.Time
}

// TrustSource is lookout's view of the fleet trust store. The concrete
// implementation is the roster module, wired by the composition root.
type TrustSource interface {
	// Lookup returns a device's trust entry, or nil if unknown.
	Lookup(ctx context.Context, deviceID string) (*TrustEntry, error)

	// Observe records liveness and health from a verified beacon.
	Observe(ctx context.Context, deviceID string, obs Observation) error

	// Promote commits a pending rotation at the given epoch. Must fail
	// unless the epoch strictly increases and a key is staged.
	Promote(ctx context.Context, deviceID string, epoch uint64) error

	// All returns every trust entry, for seeding the aggregator.
	All(ctx context.Context) ([]TrustEntry, error)
}
