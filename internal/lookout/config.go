package lookout

import (
	"time"

	"github.com/roostlabs/roost/internal/signet"
	"github.com/roostlabs/roost/pkg/plugin"
)

// Config holds lookout settings.
type Config struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	SkewTolerance  time.Duration `mapstructure:"skew_tolerance"`
	OfflineTimeout time.Duration `mapstructure:"offline_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	CriticalScore  int           `mapstructure:"critical_score"`
	ProbeOffline   bool          `mapstructure:"probe_offline"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

func loadConfig(pc plugin.Config) (*Config, error) {
	cfg := &Config{
		ListenAddr:     ":8091",
		SkewTolerance:  signet.DefaultSkewTolerance,
		OfflineTimeout: 60 * time.Second,
		SweepInterval:  10 * time.Second,
		CriticalScore:  50,
		ProbeOffline:   true,
		ProbeTimeout:   2 * time.Second,
	}
	if pc != nil {
		if err := pc.Unmarshal(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.SkewTolerance <= 0 {
		cfg.SkewTolerance = signet.DefaultSkewTolerance
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	return cfg, nil
}
