package relay

import (
	"time"

	"github.com/roostlabs/roost/pkg/plugin"
)

// Config holds relay settings.
type Config struct {
	NodePort       int           `mapstructure:"node_port"`
	Timeout        time.Duration `mapstructure:"timeout"`
	AuditRetention time.Duration `mapstructure:"audit_retention"`
}

func loadConfig(pc plugin.Config) (*Config, error) {
	cfg := &Config{
		NodePort:       8090,
		Timeout:        3 * time.Second,
		AuditRetention: 90 * 24 * time.Hour,
	}
	if pc != nil {
		if err := pc.Unmarshal(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.NodePort <= 0 {
		cfg.NodePort = 8090
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return cfg, nil
}
