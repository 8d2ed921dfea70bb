// Package config loads service configuration from defaults, an optional
// YAML file and EXODUS_-prefixed environment variables, in that order of
// precedence (lowest to highest).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration tree.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Log            LogConfig            `mapstructure:"log"`
	Risk           RiskConfig           `mapstructure:"risk"`
	Routing        RoutingConfig        `mapstructure:"routing"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Journal        JournalConfig        `mapstructure:"journal"`
	Venues         []VenueConfig        `mapstructure:"venues"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// RiskConfig holds the pre-trade limits. Zero values fall back to the risk
// engine defaults.
type RiskConfig struct {
	MarginRate          float64 `mapstructure:"margin_rate"`
	MaxUtilization      float64 `mapstructure:"max_utilization"`
	MarginCallThreshold float64 `mapstructure:"margin_call_threshold"`
	MaxPositionSize     float64 `mapstructure:"max_position_size"`
	MaxTotalExposure    float64 `mapstructure:"max_total_exposure"`
	OrdersPerMinute     int     `mapstructure:"orders_per_minute"`
	OrdersPerHour       int     `mapstructure:"orders_per_hour"`
	NotionalPerHour     float64 `mapstructure:"notional_per_hour"`
	MaxPriceDeviation   float64 `mapstructure:"max_price_deviation"`
	MaxSpreadMultiple   float64 `mapstructure:"max_spread_multiple"`

	MaxRejectionsPerMinute int           `mapstructure:"max_rejections_per_minute"`
	CircuitOpenDuration    time.Duration `mapstructure:"circuit_open_duration"`
}

// RoutingConfig holds router settings.
type RoutingConfig struct {
	Strategy            string        `mapstructure:"strategy"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// ReconciliationConfig holds matching tolerances and retention.
type ReconciliationConfig struct {
	TolerancePrice    float64       `mapstructure:"tolerance_price"`
	ToleranceQuantity float64       `mapstructure:"tolerance_quantity"`
	MaxRecordAge      time.Duration `mapstructure:"max_record_age"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// JournalConfig holds the order event journal location.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// VenueConfig describes one execution venue to register at startup.
type VenueConfig struct {
	Name          string   `mapstructure:"name"`
	Kind          string   `mapstructure:"kind"` // "sim" or "xm"
	BaseURL       string   `mapstructure:"base_url"`
	APIKey        string   `mapstructure:"api_key"`
	APISecret     string   `mapstructure:"api_secret"`
	AccountID     string   `mapstructure:"account_id"`
	Priority      int      `mapstructure:"priority"`
	MaxConcurrent int      `mapstructure:"max_concurrent"`
	Capabilities  []string `mapstructure:"capabilities"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EXODUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")

	v.SetDefault("routing.strategy", "least_loaded")
	v.SetDefault("routing.health_check_interval", 30*time.Second)

	v.SetDefault("reconciliation.tolerance_price", 0.001)
	v.SetDefault("reconciliation.tolerance_quantity", 0.01)
	v.SetDefault("reconciliation.max_record_age", 24*time.Hour)
	v.SetDefault("reconciliation.cleanup_interval", time.Hour)

	v.SetDefault("journal.path", "data/events.jsonl")
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	for i, venue := range c.Venues {
		if venue.Name == "" {
			return fmt.Errorf("venue %d: name is required", i)
		}
		switch venue.Kind {
		case "sim":
		case "xm":
			if venue.BaseURL == "" {
				return fmt.Errorf("venue %s: base_url is required for kind xm", venue.Name)
			}
		default:
			return fmt.Errorf("venue %s: unknown kind %q", venue.Name, venue.Kind)
		}
	}
	return nil
}
