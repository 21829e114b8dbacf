package signet

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// DefaultSkewTolerance bounds how far a message's claimed timestamp may
// drift from the verifier's clock.
const DefaultSkewTolerance = 30 * time.Second

const guardShards = 16

// Guard rejects replayed nonces and out-of-skew timestamps. State is
// sharded by device ID so concurrent messages from different devices do
// not contend on a single lock. Admitted entries are retained for twice
// the skew tolerance and evicted lazily on admit.
type Guard struct {
	skew      time.Duration
	retention time.Duration
	shards    [guardShards]guardShard
}

type guardShard struct {
	mu        sync.Mutex
	seen      map[string]time.Time // "device|nonce" -> admit time
	lastSweep time.Time
}

// NewGuard creates a replay guard with the given skew tolerance.
// Zero or negative skew falls back to DefaultSkewTolerance.
func NewGuard(skew time.Duration) *Guard {
	if skew <= 0 {
		skew = DefaultSkewTolerance
	}
	g := &Guard{
		skew:      skew,
		retention: 2 * skew,
	}
	for i := range g.shards {
		g.shards[i].seen = make(map[string]time.Time)
	}
	return g
}

// SkewTolerance returns the configured timestamp skew bound.
func (g *Guard) SkewTolerance() time.Duration {
	return g.skew
}

// Admit accepts or rejects a (device, nonce, timestamp) triple.
// Returns nil on acceptance, ErrStaleTimestamp if the claimed timestamp is
// outside the skew window, or ErrReplayedNonce if the nonce was already
// admitted for this device within the retention window.
//
// A nonce is recorded only on acceptance: stale messages must not poison
// the nonce set, or an attacker could block a legitimate future nonce by
// replaying it early with a bogus timestamp.
func (g *Guard) Admit(deviceID, nonce string, ts, now time.Time) error {
	if d := now.Sub(ts); d > g.skew || d < -g.skew {
		return fmt.Errorf("%w: claimed %s, now %s", ErrStaleTimestamp, ts.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	shard := &g.shards[shardIndex(deviceID)]
	key := deviceID + "|" + nonce

	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.sweep(now, g.retention)

	if seen, ok := shard.seen[key]; ok && now.Sub(seen) <= g.retention {
		return fmt.Errorf("%w: device %s nonce %s", ErrReplayedNonce, deviceID, nonce)
	}
	shard.seen[key] = now
	return nil
}

// Len reports the total number of retained nonce records.
func (g *Guard) Len() int {
	n := 0
	for i := range g.shards {
		g.shards[i].mu.Lock()
		n += len(g.shards[i].seen)
		g.shards[i].mu.Unlock()
	}
	return n
}

// sweep drops aged-out entries. Runs at most once per retention interval
// per shard to keep admit amortized O(1). Caller holds the shard lock.
func (s *guardShard) sweep(now time.Time, retention time.Duration) {
	if now.Sub(s.lastSweep) < retention {
		return
	}
	s.lastSweep = now
	for key, seen := range s.seen {
		if now.Sub(seen) > retention {
			delete(s.seen, key)
		}
	}
}

func shardIndex(deviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % guardShards)
}
