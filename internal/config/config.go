// Package config loads resolver server and client configuration via Viper:
// a block of defaults, an optional config file, and environment variable
// overrides, unmarshalled into mapstructure-tagged structs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"odin-resolver/internal/logging"
)

// ServerConfig is the resolverd process configuration.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`

	ScavengePeriod   time.Duration `mapstructure:"scavenge_period"`
	ReadOnlyTTL      time.Duration `mapstructure:"read_only_ttl"`
	BatchSizeBound   int           `mapstructure:"batch_size_bound"`
	AcceptRatePerSec float64       `mapstructure:"accept_rate_per_sec"`
	AcceptBurst      int           `mapstructure:"accept_burst"`

	MetricsListenAddr string `mapstructure:"metrics_listen_addr"`
	MetricsEndpoint   string `mapstructure:"metrics_endpoint"`

	NATSURL string `mapstructure:"nats_url"`

	Logging logging.Config `mapstructure:"logging"`
}

// ClientConfig is the reconnecting client's configuration.
type ClientConfig struct {
	ResolverAddr string         `mapstructure:"resolver_addr"`
	TTL          time.Duration  `mapstructure:"ttl"`
	Linger       time.Duration  `mapstructure:"linger"`
	Logging      logging.Config `mapstructure:"logging"`
}

// LoadServer reads resolverd configuration from an optional config file,
// environment variables prefixed RESOLVERD_, and defaults.
func LoadServer() (ServerConfig, error) {
	v := viper.New()

	v.SetDefault("listen_addr", "0.0.0.0:7070")
	v.SetDefault("scavenge_period", 10*time.Second)
	v.SetDefault("read_only_ttl", 120*time.Second)
	v.SetDefault("batch_size_bound", 10000)
	v.SetDefault("accept_rate_per_sec", 500.0)
	v.SetDefault("accept_burst", 1000)
	v.SetDefault("metrics_listen_addr", ":9090")
	v.SetDefault("metrics_endpoint", "/metrics")
	v.SetDefault("nats_url", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("resolverd")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("RESOLVERD")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("config unmarshal: %w", err)
	}
	if cfg.BatchSizeBound <= 0 {
		cfg.BatchSizeBound = 10000
	}
	return cfg, nil
}

// LoadClient reads resolverctl/client configuration the same way, under the
// RESOLVERCTL_ prefix.
func LoadClient() (ClientConfig, error) {
	v := viper.New()

	v.SetDefault("resolver_addr", "127.0.0.1:7070")
	v.SetDefault("ttl", 600*time.Second)
	v.SetDefault("linger", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("resolverctl")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("RESOLVERCTL")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("config unmarshal: %w", err)
	}
	return cfg, nil
}
