package perch

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/roostlabs/roost/internal/boothealth"
)

// Config holds the node agent configuration.
type Config struct {
	DeviceID       string        `mapstructure:"device_id"`
	DataDir        string        `mapstructure:"data_dir"`
	Hostname       string        `mapstructure:"hostname"`
	FleetAddr      string        `mapstructure:"fleet_addr"`  // UDP beacon destination
	ListenAddr     string        `mapstructure:"listen_addr"` // command/status HTTP listener
	AdvertisePort  int           `mapstructure:"advertise_port"`
	BeaconInterval time.Duration `mapstructure:"beacon_interval"`
	SkewTolerance  time.Duration `mapstructure:"skew_tolerance"`
	HealthWindow   int           `mapstructure:"health_window"`
	UpdateCommand  []string      `mapstructure:"update_command"`

	Weights boothealth.Weights `mapstructure:"health_weights"`
}

// LoadConfig reads the agent configuration from file and ROOST_PERCH_*
// environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", "/var/lib/perch")
	v.SetDefault("fleet_addr", "255.255.255.255:8091")
	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("advertise_port", 8090)
	v.SetDefault("beacon_interval", "10s")
	v.SetDefault("skew_tolerance", "30s")
	v.SetDefault("health_window", boothealth.DefaultWindow)
	v.SetDefault("update_command", []string{"/usr/local/bin/perch-update"})

	w := boothealth.DefaultWeights()
	v.SetDefault("health_weights.dirty_boot", w.DirtyBoot)
	v.SetDefault("health_weights.brownout", w.Brownout)
	v.SetDefault("health_weights.watchdog_timeout", w.WatchdogTimeout)
	v.SetDefault("health_weights.crash_loop", w.CrashLoop)
	v.SetDefault("health_weights.crash_loop_runs", w.CrashLoopRuns)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("perch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/perch")
	}

	v.SetEnvPrefix("ROOST_PERCH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		}
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	return &cfg, nil
}
