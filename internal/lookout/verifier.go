package lookout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roost/internal/signet"
	"github.com/roostlabs/roost/pkg/plugin"
)

// Verifier authenticates inbound beacons against the trust store and
// feeds the aggregator. Unverifiable beacons are dropped and logged and
// never update state.
type Verifier struct {
	trust         TrustSource
	guard         *signet.Guard
	agg           *Aggregator
	bus           plugin.Publisher
	log           *zap.Logger
	criticalScore int
}

// NewVerifier builds a beacon verifier.
func NewVerifier(trust TrustSource, guard *signet.Guard, agg *Aggregator, bus plugin.Publisher, criticalScore int, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{
		trust:         trust,
		guard:         guard,
		agg:           agg,
		bus:           bus,
		log:           log,
		criticalScore: criticalScore,
	}
}

// HandleDatagram parses and verifies one beacon datagram from srcIP.
// Messages for the same device are serialized under a per-device lock so
// a promotion trigger can never race a concurrent beacon.
func (v *Verifier) HandleDatagram(ctx context.Context, raw []byte, srcIP string, now time.Time) error {
	var b signet.Beacon
	if err := json.Unmarshal(raw, &b); err != nil {
		beaconsTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("malformed beacon: %w", err)
	}
	if b.Type != signet.BeaconType {
		beaconsTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("unexpected datagram type %q", b.Type)
	}

	// Enrollment gates lock allocation: a forged device ID must not
	// leave any per-device state behind.
	entry, err := v.trust.Lookup(ctx, b.DeviceID)
	if err != nil {
		beaconsTotal.WithLabelValues("internal").Inc()
		return fmt.Errorf("trust lookup: %w", err)
	}
	if entry == nil {
		return v.drop(&b, srcIP, fmt.Errorf("%w: %s", signet.ErrUnknownDevice, b.DeviceID))
	}

	lock := v.agg.DeviceLock(b.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a message serialized ahead of us may have
	// promoted the keys or removed the device.
	entry, err = v.trust.Lookup(ctx, b.DeviceID)
	if err != nil {
		beaconsTotal.WithLabelValues("internal").Inc()
		return fmt.Errorf("trust lookup: %w", err)
	}
	if entry == nil {
		return v.drop(&b, srcIP, fmt.Errorf("%w: %s", signet.ErrUnknownDevice, b.DeviceID))
	}

	match := b.VerifyWith(entry.Active, entry.Next)
	if match == signet.MatchNone {
		return v.drop(&b, srcIP, signet.ErrBadSignature)
	}
	if err := v.guard.Admit(b.DeviceID, b.Nonce, b.Timestamp(), now); err != nil {
		return v.drop(&b, srcIP, err)
	}

	// The first verified message under a staged key is the rotation
	// confirmation. The store enforces strict epoch increase, so a
	// stale trigger cannot regress the trust entry.
	if match == signet.MatchNext {
		if err := v.trust.Promote(ctx, b.DeviceID, b.Epoch); err != nil {
			v.log.Error("key promotion failed",
				zap.String("device_id", b.DeviceID),
				zap.Uint64("epoch", b.Epoch),
				zap.Error(err))
		} else {
			promotionsTotal.Inc()
			v.log.Info("key promoted",
				zap.String("device_id", b.DeviceID),
				zap.Uint64("epoch", b.Epoch))
		}
	}

	obs := Observation{
		Hostname:  b.Hostname,
		IP:        srcIP,
		UptimeSec: b.UptimeSec,
		Score:     b.BootHealth.Score,
		SeenAt:    now,
	}
	if err := v.trust.Observe(ctx, b.DeviceID, obs); err != nil {
		v.log.Error("observation write failed",
			zap.String("device_id", b.DeviceID),
			zap.Error(err))
	}
	v.agg.Record(entry, &b, srcIP, now)

	beaconsTotal.WithLabelValues("verified").Inc()
	v.publish(ctx, TopicBeaconVerified, DeviceEventPayload{
		DeviceID: b.DeviceID,
		Hostname: b.Hostname,
		Score:    b.BootHealth.Score,
	})
	if b.BootHealth.Score < v.criticalScore {
		v.publish(ctx, TopicDeviceCritical, DeviceEventPayload{
			DeviceID: b.DeviceID,
			Hostname: b.Hostname,
			Score:    b.BootHealth.Score,
		})
	}
	return nil
}

func (v *Verifier) drop(b *signet.Beacon, srcIP string, err error) error {
	beaconsTotal.WithLabelValues(signet.ReasonCode(err)).Inc()
	v.log.Warn("beacon dropped",
		zap.String("device_id", b.DeviceID),
		zap.String("src_ip", srcIP),
		zap.String("reason", signet.ReasonCode(err)))
	return err
}

func (v *Verifier) publish(ctx context.Context, topic string, payload any) {
	if v.bus == nil {
		return
	}
	_ = v.bus.Publish(ctx, plugin.Event{
		Topic:     topic,
		Source:    "lookout",
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
