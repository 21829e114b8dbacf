package roster

import (
	"fmt"

	"github.com/roostlabs/roost/internal/signet"
	"github.com/roostlabs/roost/pkg/plugin"
)

// StaticDevice is an operator-declared enrollment carried in the config
// file, for fleets provisioned out of band.
type StaticDevice struct {
	DeviceID string `mapstructure:"device_id"`
	Role     string `mapstructure:"role"`
	Site     string `mapstructure:"site"`
	Key      string `mapstructure:"key"` // hex, 32 bytes
	Epoch    uint64 `mapstructure:"epoch"`
}

// Config holds roster settings.
type Config struct {
	StaticDevices []StaticDevice `mapstructure:"static_devices"`
}

func loadConfig(pc plugin.Config) (*Config, error) {
	cfg := &Config{}
	if pc != nil {
		if err := pc.Unmarshal(cfg); err != nil {
			return nil, err
		}
	}
	for i := range cfg.StaticDevices {
		sd := &cfg.StaticDevices[i]
		if sd.DeviceID == "" {
			return nil, fmt.Errorf("static device %d: device_id is required", i)
		}
		if _, err := signet.ParseKey(sd.Key); err != nil {
			return nil, fmt.Errorf("static device %s: %w", sd.DeviceID, err)
		}
		if sd.Epoch == 0 {
			sd.Epoch = 1
		}
	}
	return cfg, nil
}
