// Package roster is the fleet trust store: the authoritative record of
// enrolled devices and their key material. Key material changes flow
// only through enrollment, staging (a relayed rotate-key result) and
// promotion (the first verified message under a staged key).
package roster

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roost/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
)

// Module implements the roster trust-store plugin.
type Module struct {
	logger *zap.Logger
	config *Config
	store  *Store
	bus    plugin.Publisher
}

// New creates a roster plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "roster",
		Version:     "0.1.0",
		Description: "Device enrollment and fleet trust store",
		Required:    true,
		Roles:       []string{"trust_store"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus

	cfg, err := loadConfig(deps.Config)
	if err != nil {
		return fmt.Errorf("roster config: %w", err)
	}
	m.config = cfg

	if deps.Store == nil {
		return fmt.Errorf("roster requires the shared store")
	}
	if err := deps.Store.Migrate(ctx, "roster", migrations()); err != nil {
		return fmt.Errorf("roster migrations: %w", err)
	}
	m.store = NewStore(deps.Store.DB())

	if err := m.seedStaticDevices(ctx); err != nil {
		return err
	}

	m.logger.Info("roster module initialized")
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	m.logger.Info("roster module started")
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	m.logger.Info("roster module stopped")
	return nil
}

// Store exposes the trust store for composition-root adapters.
func (m *Module) Store() *Store {
	return m.store
}

// seedStaticDevices upserts operator-declared devices from configuration
// so a fleet can be provisioned without calling the enrollment API.
func (m *Module) seedStaticDevices(ctx context.Context) error {
	for _, sd := range m.config.StaticDevices {
		entry, err := m.store.Get(ctx, sd.DeviceID)
		if err != nil {
			return fmt.Errorf("seed static device %s: %w", sd.DeviceID, err)
		}
		if entry != nil {
			continue
		}
		if err := m.store.Enroll(ctx, &Device{
			DeviceID:  sd.DeviceID,
			Role:      sd.Role,
			Site:      sd.Site,
			ActiveKey: sd.Key,
			Epoch:     sd.Epoch,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("seed static device %s: %w", sd.DeviceID, err)
		}
		m.logger.Info("static device enrolled", zap.String("device_id", sd.DeviceID))
	}
	return nil
}
