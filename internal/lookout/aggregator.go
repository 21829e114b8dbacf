package lookout

import (
	"sort"
	"sync"
	"time"

	"github.com/roostlabs/roost/internal/signet"
)

// DeviceIdentity is the immutable identity slice of a fleet snapshot row.
type DeviceIdentity struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	Site     string `json:"site"`
}

// FleetDevice is one row of the fleet snapshot served to dashboards.
type FleetDevice struct {
	Device     DeviceIdentity        `json:"device"`
	Hostname   string                `json:"hostname"`
	IP         string                `json:"ip"`
	UptimeSec  int64                 `json:"uptime_sec"`
	Timestamp  int64                 `json:"timestamp"` // last verified beacon, Unix seconds
	Epoch      uint64                `json:"epoch"`
	Online     bool                  `json:"online"`
	BootHealth signet.HealthSnapshot `json:"boot_health"`
}

type deviceState struct {
	identity DeviceIdentity
	hostname string
	ip       string
	uptime   int64
	epoch    uint64
	lastSeen time.Time
	score    int
	online   bool // as of the last sweep, for transition events
}

// Aggregator holds the in-memory fleet snapshot. Each device's state is
// guarded by its own lock so beacons from different devices never
// contend; liveness, not historical health, gates the offline flag.
type Aggregator struct {
	offlineTimeout time.Duration

	mu      sync.RWMutex
	devices map[string]*deviceState
	locks   map[string]*sync.Mutex
}

// NewAggregator creates an empty aggregator.
func NewAggregator(offlineTimeout time.Duration) *Aggregator {
	return &Aggregator{
		offlineTimeout: offlineTimeout,
		devices:        make(map[string]*deviceState),
		locks:          make(map[string]*sync.Mutex),
	}
}

// DeviceLock returns the per-device serialization lock, creating it on
// first use. Concurrent messages claiming the same device are serialized
// under it to keep the epoch-monotonic invariant.
func (a *Aggregator) DeviceLock(deviceID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[deviceID] = l
	}
	return l
}

// Seed loads persisted trust entries so the snapshot covers devices that
// have not beaconed since the server started.
func (a *Aggregator) Seed(entries []TrustEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range entries {
		st := &deviceState{
			identity: DeviceIdentity{DeviceID: e.DeviceID, Role: e.Role, Site: e.Site},
			hostname: e.Hostname,
			ip:       e.IP,
			uptime:   e.UptimeSec,
			epoch:    e.Epoch,
			score:    e.LastScore,
		}
		if e.LastSeen != nil {
			st.lastSeen = *e.LastSeen
		}
		a.devices[e.DeviceID] = st
	}
}

// Record updates a device's state from a verified beacon.
func (a *Aggregator) Record(entry *TrustEntry, b *signet.Beacon, ip string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.devices[b.DeviceID]
	if !ok {
		st = &deviceState{}
		a.devices[b.DeviceID] = st
	}
	st.identity = DeviceIdentity{DeviceID: entry.DeviceID, Role: entry.Role, Site: entry.Site}
	st.hostname = b.Hostname
	st.ip = ip
	st.uptime = b.UptimeSec
	st.epoch = b.Epoch
	st.lastSeen = now
	st.score = b.BootHealth.Score
}

// Forget drops a device from the snapshot after its trust entry is
// removed.
func (a *Aggregator) Forget(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.devices, deviceID)
	delete(a.locks, deviceID)
}

// Snapshot returns the point-in-time fleet view. A device silent for
// longer than the offline timeout is reported offline with score forced
// to 0, whatever its last recorded score was.
func (a *Aggregator) Snapshot(now time.Time) []FleetDevice {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]FleetDevice, 0, len(a.devices))
	for _, st := range a.devices {
		fd := FleetDevice{
			Device:     st.identity,
			Hostname:   st.hostname,
			IP:         st.ip,
			UptimeSec:  st.uptime,
			Epoch:      st.epoch,
			Online:     a.isOnline(st, now),
			BootHealth: signet.HealthSnapshot{Score: st.score},
		}
		if !st.lastSeen.IsZero() {
			fd.Timestamp = st.lastSeen.Unix()
		}
		if !fd.Online {
			fd.BootHealth.Score = 0
		}
		out = append(out, fd)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Device.DeviceID < out[j].Device.DeviceID
	})
	return out
}

// transition is an online-state change detected by a sweep.
type transition struct {
	DeviceID string
	Hostname string
	IP       string
	Score    int
	Online   bool
}

// Sweep re-evaluates liveness, returning the devices whose online state
// flipped since the previous sweep and the current online count.
func (a *Aggregator) Sweep(now time.Time) ([]transition, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var flips []transition
	online := 0
	for id, st := range a.devices {
		is := a.isOnline(st, now)
		if is {
			online++
		}
		if is != st.online {
			flips = append(flips, transition{
				DeviceID: id,
				Hostname: st.hostname,
				IP:       st.ip,
				Score:    st.score,
				Online:   is,
			})
			st.online = is
		}
	}
	return flips, online
}

func (a *Aggregator) isOnline(st *deviceState, now time.Time) bool {
	return !st.lastSeen.IsZero() && now.Sub(st.lastSeen) <= a.offlineTimeout
}
