// Package lookout is the fleet-side beacon pipeline: a UDP listener,
// signature and replay verification against the trust store, and the
// in-memory aggregator behind the fleet status API.
package lookout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roost/internal/signet"
	"github.com/roostlabs/roost/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
)

// Module implements the lookout aggregation plugin.
type Module struct {
	logger   *zap.Logger
	config   *Config
	bus      plugin.EventBus
	trust    TrustSource
	agg      *Aggregator
	verifier *Verifier
	listener *Listener
	prober   *Prober

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a lookout plugin instance.
func New() *Module {
	return &Module{}
}

// SetTrustSource injects the trust store view. The composition root
// wires the roster module in before the registry initializes plugins.
func (m *Module) SetTrustSource(ts TrustSource) {
	m.trust = ts
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "lookout",
		Version:      "0.1.0",
		Description:  "Beacon verification and fleet aggregation",
		Dependencies: []string{"roster"},
		Roles:        []string{"aggregation"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus

	cfg, err := loadConfig(deps.Config)
	if err != nil {
		return fmt.Errorf("lookout config: %w", err)
	}
	m.config = cfg

	if m.trust == nil {
		return fmt.Errorf("lookout requires a trust source")
	}

	m.agg = NewAggregator(cfg.OfflineTimeout)
	guard := signet.NewGuard(cfg.SkewTolerance)
	m.verifier = NewVerifier(m.trust, guard, m.agg, m.bus, cfg.CriticalScore, m.logger.Named("verify"))
	m.listener = NewListener(cfg.ListenAddr, m.verifier, m.logger.Named("udp"))
	m.prober = NewProber(cfg.ProbeTimeout, m.logger.Named("probe"))

	m.logger.Info("lookout module initialized",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Duration("offline_timeout", cfg.OfflineTimeout))
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	entries, err := m.trust.All(ctx)
	if err != nil {
		return fmt.Errorf("seed aggregator: %w", err)
	}
	m.agg.Seed(entries)

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		if err := m.listener.Run(runCtx); err != nil && runCtx.Err() == nil {
			m.logger.Error("beacon listener exited", zap.Error(err))
		}
	}()
	go func() {
		defer m.wg.Done()
		m.sweepLoop(runCtx)
	}()

	m.logger.Info("lookout module started", zap.Int("seeded_devices", len(entries)))
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("lookout module stopped")
	return nil
}

// Snapshot exposes the fleet view for other modules and compat routes.
func (m *Module) Snapshot(now time.Time) []FleetDevice {
	return m.agg.Snapshot(now)
}

// Forget drops a removed device from the aggregator.
func (m *Module) Forget(deviceID string) {
	m.agg.Forget(deviceID)
}

// sweepLoop periodically re-evaluates liveness, publishes online/offline
// transitions and keeps the online gauge current.
func (m *Module) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			flips, online := m.agg.Sweep(now)
			onlineDevices.Set(float64(online))
			for _, f := range flips {
				m.handleTransition(ctx, f)
			}
		}
	}
}

func (m *Module) handleTransition(ctx context.Context, f transition) {
	payload := DeviceEventPayload{DeviceID: f.DeviceID, Hostname: f.Hostname, Score: f.Score}
	if f.Online {
		m.logger.Info("device online", zap.String("device_id", f.DeviceID))
		m.bus.PublishAsync(ctx, plugin.Event{
			Topic: TopicDeviceOnline, Source: "lookout", Timestamp: time.Now(), Payload: payload,
		})
		return
	}

	m.logger.Warn("device offline",
		zap.String("device_id", f.DeviceID),
		zap.String("ip", f.IP))
	m.bus.PublishAsync(ctx, plugin.Event{
		Topic: TopicDeviceOffline, Source: "lookout", Timestamp: time.Now(), Payload: payload,
	})

	if m.config.ProbeOffline && f.IP != "" {
		ip := f.IP
		deviceID := f.DeviceID
		go func() {
			probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout+time.Second)
			defer cancel()
			reachable, rtt := m.prober.Reachable(probeCtx, ip)
			if reachable {
				m.logger.Warn("silent device still answers ping, agent likely down",
					zap.String("device_id", deviceID),
					zap.String("ip", ip),
					zap.Duration("rtt", rtt))
			} else {
				m.logger.Warn("silent device unreachable",
					zap.String("device_id", deviceID),
					zap.String("ip", ip))
			}
		}()
	}
}
