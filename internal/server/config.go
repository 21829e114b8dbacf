package server

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "./data/roost.db")

	// Plugin defaults
	v.SetDefault("plugins.roster.enabled", true)
	v.SetDefault("plugins.lookout.enabled", true)
	v.SetDefault("plugins.lookout.listen_addr", ":8091")
	v.SetDefault("plugins.lookout.skew_tolerance", "30s")
	v.SetDefault("plugins.lookout.offline_timeout", "60s")
	v.SetDefault("plugins.lookout.sweep_interval", "10s")
	v.SetDefault("plugins.lookout.critical_score", 50)
	v.SetDefault("plugins.lookout.probe_offline", true)
	v.SetDefault("plugins.lookout.probe_timeout", "2s")
	v.SetDefault("plugins.relay.enabled", true)
	v.SetDefault("plugins.relay.node_port", 8090)
	v.SetDefault("plugins.relay.timeout", "3s")
	v.SetDefault("plugins.relay.audit_retention", "2160h")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("roost")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/roost")
	}

	// Environment variable support: ROOST_SERVER_PORT=9090
	v.SetEnvPrefix("ROOST")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}
