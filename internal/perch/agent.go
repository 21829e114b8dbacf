// Package perch is the node-side agent: it records boot health, emits
// signed liveness beacons, and serves the authenticated command endpoint.
package perch

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roostlabs/roost/internal/boothealth"
	"github.com/roostlabs/roost/internal/keyring"
	"github.com/roostlabs/roost/internal/signet"
)

// Agent is the composed node process.
type Agent struct {
	cfg    *Config
	keys   *keyring.Engine
	ledger *boothealth.Ledger
	log    *zap.Logger
	runner Runner
}

// New loads key material and the boot-health ledger and assembles the
// agent. Returns keyring.ErrNotProvisioned if the node has never been
// enrolled.
func New(cfg *Config, log *zap.Logger) (*Agent, error) {
	if log == nil {
		log = zap.NewNop()
	}

	store, err := keyring.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	keys, err := keyring.NewEngine(store, log.Named("keyring"))
	if err != nil {
		return nil, err
	}
	ledger, err := boothealth.NewLedger(cfg.DataDir, cfg.HealthWindow)
	if err != nil {
		return nil, err
	}

	return &Agent{
		cfg:    cfg,
		keys:   keys,
		ledger: ledger,
		log:    log,
		runner: NewExecRunner(cfg.DataDir, cfg.UpdateCommand, log.Named("actions")),
	}, nil
}

// Provision writes initial key material for a freshly enrolled node and
// drops a clean-shutdown marker so the first boot is not scored dirty.
func Provision(dataDir, keyHex string, epoch uint64) error {
	key, err := signet.ParseKey(keyHex)
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	store, err := keyring.NewFileStore(dataDir)
	if err != nil {
		return err
	}
	if err := store.Initialize(key, epoch); err != nil {
		return err
	}
	return boothealth.WriteMarker(dataDir)
}

// Run records the boot outcome, then serves beacons and commands until
// ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	kind, err := boothealth.RecordBoot(a.ledger, a.cfg.DataDir, time.Now())
	if err != nil {
		return fmt.Errorf("record boot: %w", err)
	}
	a.log.Info("boot recorded",
		zap.String("event", string(kind)),
		zap.Int("score", a.ledger.Score(a.cfg.Weights)))
	if kind == boothealth.DirtyBoot {
		a.captureCrashContext()
	}

	guard := signet.NewGuard(a.cfg.SkewTolerance)
	auth := NewAuthenticator(a.keys, guard, a.log.Named("auth"))
	emitter := NewEmitter(a.cfg, a.keys, a.ledger, a.log.Named("beacon"))
	server := NewServer(a.cfg, auth, a.keys, a.runner, a.ledger, a.log.Named("http"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return emitter.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return a.watchBrownout(ctx) })
	return g.Wait()
}

// RecordEvent appends an externally observed health event to the ledger.
// Supervisors that notice conditions the agent cannot see itself, a
// hardware watchdog firing for one, report them through here.
func (a *Agent) RecordEvent(kind boothealth.EventKind, at time.Time) error {
	return a.ledger.Record(kind, at)
}

// watchBrownout polls the firmware throttle flags and records a brownout
// event when a new under-voltage condition appears. Hosts without
// vcgencmd are silently skipped.
func (a *Agent) watchBrownout(ctx context.Context) error {
	if _, err := exec.LookPath("vcgencmd"); err != nil {
		a.log.Debug("vcgencmd not found, brownout watch disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var wasLow bool
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			low, err := underVoltage(ctx)
			if err != nil {
				a.log.Warn("throttle check failed", zap.Error(err))
				continue
			}
			if low && !wasLow {
				a.log.Warn("under-voltage detected")
				if err := a.ledger.Record(boothealth.Brownout, now); err != nil {
					a.log.Error("record brownout", zap.Error(err))
				}
			}
			wasLow = low
		}
	}
}

// underVoltage parses `vcgencmd get_throttled`; bit 0 is the live
// under-voltage flag.
func underVoltage(ctx context.Context) (bool, error) {
	out, err := exec.CommandContext(ctx, "vcgencmd", "get_throttled").Output()
	if err != nil {
		return false, err
	}
	s := strings.TrimSpace(string(out))
	s = strings.TrimPrefix(s, "throttled=")
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return false, fmt.Errorf("parse throttle flags %q: %w", s, err)
	}
	return v&1 != 0, nil
}

// captureCrashContext snapshots the tail of the kernel log after a dirty
// boot so the cause can be diagnosed later.
func (a *Agent) captureCrashContext() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "journalctl", "-b", "-1", "-n", "200", "--no-pager").Output()
	if err != nil {
		a.log.Debug("crash log capture unavailable", zap.Error(err))
		return
	}
	a.log.Info("previous boot tail captured", zap.Int("bytes", len(out)))
}
