// Package relay is the fleet-side command path: it signs operator
// intents, forwards them to node command endpoints, records every
// round-trip in an audit log, and captures staged keys from rotate-key
// results.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roost/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
)

// Module implements the relay plugin.
type Module struct {
	logger *zap.Logger
	config *Config
	bus    plugin.EventBus
	trust  TrustSource
	client *Client
	store  *Store

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a relay plugin instance.
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
		Name:         "relay",
		Version:      "0.1.0",
		Description:  "Signed command relay to fleet nodes",
		Dependencies: []string{"roster"},
		Roles:        []string{"command"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus

	cfg, err := loadConfig(deps.Config)
	if err != nil {
		return fmt.Errorf("relay config: %w", err)
	}
	m.config = cfg

	if m.trust == nil {
		return fmt.Errorf("relay requires a trust source")
	}
	if deps.Store == nil {
		return fmt.Errorf("relay requires the shared store")
	}
	if err := deps.Store.Migrate(ctx, "relay", migrations()); err != nil {
		return fmt.Errorf("relay migrations: %w", err)
	}
	m.store = NewStore(deps.Store.DB())
	m.client = NewClient(m.trust, cfg.NodePort, cfg.Timeout, m.logger.Named("client"))

	m.logger.Info("relay module initialized",
		zap.Int("node_port", cfg.NodePort),
		zap.Duration("timeout", cfg.Timeout))
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.purgeLoop(runCtx)
	}()

	m.logger.Info("relay module started")
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("relay module stopped")
	return nil
}

// purgeLoop trims the audit log to the retention window once an hour.
func (m *Module) purgeLoop(ctx context.Context) {
	if m.config.AuditRetention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := m.store.Purge(ctx, now.Add(-m.config.AuditRetention))
			if err != nil {
				m.logger.Error("audit purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Info("audit entries purged", zap.Int64("count", n))
			}
		}
	}
}
