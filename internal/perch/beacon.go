package perch

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roost/internal/boothealth"
	"github.com/roostlabs/roost/internal/keyring"
	"github.com/roostlabs/roost/internal/signet"
)

// Emitter broadcasts the node's signed liveness beacon on a fixed
// interval. While a rotation is pending the beacon is signed with the
// staged key, which is how the node proves the new key reachable.
type Emitter struct {
	cfg     *Config
	keys    *keyring.Engine
	ledger  *boothealth.Ledger
	weights boothealth.Weights
	log     *zap.Logger
	started time.Time
}

// NewEmitter builds the beacon emitter.
func NewEmitter(cfg *Config, keys *keyring.Engine, ledger *boothealth.Ledger, log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{
		cfg:     cfg,
		keys:    keys,
		ledger:  ledger,
		weights: cfg.Weights,
		log:     log,
		started: time.Now(),
	}
}

// Run emits beacons until ctx is cancelled. The UDP socket is
// connectionless; transmit errors are logged and the next tick retries.
func (e *Emitter) Run(ctx context.Context) error {
	conn, err := net.Dial("udp", e.cfg.FleetAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ticker := time.NewTicker(e.cfg.BeaconInterval)
	defer ticker.Stop()

	e.emit(conn, time.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			e.emit(conn, now)
		}
	}
}

func (e *Emitter) emit(conn net.Conn, now time.Time) {
	key, epoch := e.keys.SigningKey()

	b := &signet.Beacon{
		Type:       signet.BeaconType,
		DeviceID:   e.cfg.DeviceID,
		Hostname:   e.cfg.Hostname,
		Port:       e.cfg.AdvertisePort,
		TS:         now.Unix(),
		Nonce:      signet.NewNonce(),
		Epoch:      epoch,
		UptimeSec:  uptimeSeconds(e.started, now),
		BootHealth: signet.HealthSnapshot{Score: e.ledger.Score(e.weights)},
	}
	b.SignWith(key)

	raw, err := json.Marshal(b)
	if err != nil {
		e.log.Error("encode beacon", zap.Error(err))
		return
	}
	if _, err := conn.Write(raw); err != nil {
		e.log.Warn("send beacon", zap.Error(err))
	}
}

// uptimeSeconds prefers the host uptime from /proc/uptime and falls back
// to process uptime off Linux.
func uptimeSeconds(started, now time.Time) int64 {
	if raw, err := os.ReadFile("/proc/uptime"); err == nil {
		fields := strings.Fields(string(raw))
		if len(fields) > 0 {
			if f, err := strconv.ParseFloat(fields[0], 64); err == nil {
				return int64(f)
			}
		}
	}
	return int64(now.Sub(started).Seconds())
}
