// Package config provides configuration management for toolgate.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/relaystack/toolgate/internal/common/logger"
)

// Config holds all configuration sections for toolgate.
type Config struct {
	Server      ServerConfig   `mapstructure:"server"`
	Frontend    FrontendConfig `mapstructure:"frontend"`
	NATS        NATSConfig     `mapstructure:"nats"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Gateway     GatewayConfig  `mapstructure:"gateway"`
	ServersFile string         `mapstructure:"serversFile"`
}

// ServerConfig holds admin API HTTP server configuration.
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int      `mapstructure:"writeTimeout"` // in seconds
	CORSOrigins  []string `mapstructure:"corsOrigins"`
}

// FrontendConfig holds the aggregated MCP endpoint configuration.
type FrontendConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// GatewayConfig holds connection manager policies.
type GatewayConfig struct {
	ClientName     string          `mapstructure:"clientName"`
	ConnectTimeout int             `mapstructure:"connectTimeout"` // in seconds
	CallTimeout    int             `mapstructure:"callTimeout"`    // in seconds
	SyncTimeout    int             `mapstructure:"syncTimeout"`    // in seconds
	Reconnect      ReconnectConfig `mapstructure:"reconnect"`
	Health         HealthConfig    `mapstructure:"health"`
}

// ReconnectConfig shapes the backoff applied after an established session is
// lost.
type ReconnectConfig struct {
	Disabled        bool    `mapstructure:"disabled"`
	InitialInterval int     `mapstructure:"initialInterval"` // in milliseconds
	MaxInterval     int     `mapstructure:"maxInterval"`     // in seconds
	Multiplier      float64 `mapstructure:"multiplier"`
	MaxRetries      int     `mapstructure:"maxRetries"`
}

// HealthConfig shapes the periodic liveness probe.
type HealthConfig struct {
	Disabled         bool `mapstructure:"disabled"`
	Interval         int  `mapstructure:"interval"`     // in seconds
	ProbeTimeout     int  `mapstructure:"probeTimeout"` // in seconds
	FailureThreshold int  `mapstructure:"failureThreshold"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ConnectTimeoutDuration returns the connect timeout as a time.Duration.
func (g *GatewayConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(g.ConnectTimeout) * time.Second
}

// CallTimeoutDuration returns the call timeout as a time.Duration.
func (g *GatewayConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(g.CallTimeout) * time.Second
}

// SyncTimeoutDuration returns the discovery timeout as a time.Duration.
func (g *GatewayConfig) SyncTimeoutDuration() time.Duration {
	return time.Duration(g.SyncTimeout) * time.Second
}

// InitialIntervalDuration returns the first backoff delay as a time.Duration.
func (r *ReconnectConfig) InitialIntervalDuration() time.Duration {
	return time.Duration(r.InitialInterval) * time.Millisecond
}

// MaxIntervalDuration returns the backoff cap as a time.Duration.
func (r *ReconnectConfig) MaxIntervalDuration() time.Duration {
	return time.Duration(r.MaxInterval) * time.Second
}

// IntervalDuration returns the probe interval as a time.Duration.
func (h *HealthConfig) IntervalDuration() time.Duration {
	return time.Duration(h.Interval) * time.Second
}

// ProbeTimeoutDuration returns the probe deadline as a time.Duration.
func (h *HealthConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(h.ProbeTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Admin API defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8600)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.corsOrigins", []string{"*"})

	// Frontend defaults
	v.SetDefault("frontend.enabled", true)
	v.SetDefault("frontend.addr", ":8700")
	v.SetDefault("frontend.path", "/mcp")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "toolgate")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Gateway policy defaults
	v.SetDefault("gateway.clientName", "toolgate")
	v.SetDefault("gateway.connectTimeout", 30)
	v.SetDefault("gateway.callTimeout", 30)
	v.SetDefault("gateway.syncTimeout", 30)
	v.SetDefault("gateway.reconnect.disabled", false)
	v.SetDefault("gateway.reconnect.initialInterval", 500)
	v.SetDefault("gateway.reconnect.maxInterval", 30)
	v.SetDefault("gateway.reconnect.multiplier", 2.0)
	v.SetDefault("gateway.reconnect.maxRetries", 8)
	v.SetDefault("gateway.health.disabled", false)
	v.SetDefault("gateway.health.interval", 15)
	v.SetDefault("gateway.health.probeTimeout", 5)
	v.SetDefault("gateway.health.failureThreshold", 3)

	// Servers file: empty means no declarative servers at startup
	v.SetDefault("serversFile", "")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix TOOLGATE_ with snake_case
// naming. The config file is config.yaml in the current directory or
// /etc/toolgate/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TOOLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// keys whose env var naming differs from the config key are bound here.
	_ = v.BindEnv("serversFile", "TOOLGATE_SERVERS_FILE")
	_ = v.BindEnv("nats.url", "TOOLGATE_NATS_URL", "NATS_URL")
	_ = v.BindEnv("frontend.addr", "TOOLGATE_FRONTEND_ADDR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/toolgate/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are in range.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Gateway.ConnectTimeout <= 0 {
		errs = append(errs, "gateway.connectTimeout must be positive")
	}
	if cfg.Gateway.CallTimeout <= 0 {
		errs = append(errs, "gateway.callTimeout must be positive")
	}
	if !cfg.Gateway.Reconnect.Disabled {
		if cfg.Gateway.Reconnect.InitialInterval <= 0 {
			errs = append(errs, "gateway.reconnect.initialInterval must be positive")
		}
		if cfg.Gateway.Reconnect.Multiplier < 1 {
			errs = append(errs, "gateway.reconnect.multiplier must be at least 1")
		}
	}
	if !cfg.Gateway.Health.Disabled {
		if cfg.Gateway.Health.Interval <= 0 {
			errs = append(errs, "gateway.health.interval must be positive")
		}
		if cfg.Gateway.Health.FailureThreshold <= 0 {
			errs = append(errs, "gateway.health.failureThreshold must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
