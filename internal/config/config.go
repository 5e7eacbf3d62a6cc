// Package config loads and validates the engine configuration.
//
// Configuration comes from a YAML file; API credentials can additionally be
// supplied through environment variables, which always take precedence over
// values in the file. Validation happens at load time: a broken configuration
// never reaches the engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fengyelingdu/NexusTrader/internal/model"
)

// ConfigurationError reports an invalid configuration. The engine refuses to
// start on one.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e ConfigurationError) Unwrap() error { return e.Err }

// Config is the root configuration of the trading engine.
type Config struct {
	Engine        EngineConfig         `yaml:"engine"`
	Exchanges     []ExchangeConfig     `yaml:"exchanges" validate:"required,min=1,dive"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions" validate:"dive"`
}

// EngineConfig holds engine-wide settings.
type EngineConfig struct {
	// BusCapacity bounds the event queue; zero uses the built-in default.
	BusCapacity int `yaml:"bus_capacity" validate:"gte=0"`

	// ArchivePath is the SQLite file for terminal orders. Empty disables
	// archiving.
	ArchivePath string `yaml:"archive_path"`

	// ArchiveFlushIntervalSec is how often finished orders are flushed to
	// the archive, in seconds. Zero uses the default.
	ArchiveFlushIntervalSec int `yaml:"archive_flush_interval_sec" validate:"gte=0"`

	// LogLevel sets the zerolog level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

const defaultArchiveFlushInterval = 30 * time.Second

// ExchangeConfig describes one exchange connection.
type ExchangeConfig struct {
	// Name is the exchange identifier (binance, okx, bybit, or mock for
	// paper sessions).
	Name string `yaml:"name" validate:"required"`

	// AccountType selects spot or futures endpoints.
	AccountType string `yaml:"account_type"`

	// PublicEndpoint is the market data WebSocket URL.
	PublicEndpoint string `yaml:"public_endpoint" validate:"required"`

	// PrivateEndpoint is the user data WebSocket URL. Empty means the
	// exchange is market-data only and accepts no orders.
	PrivateEndpoint string `yaml:"private_endpoint"`

	// Credentials. Overridable via NEXUS_<NAME>_API_KEY, _SECRET and
	// _PASSPHRASE environment variables.
	APIKey     string `yaml:"api_key"`
	Secret     string `yaml:"secret"`
	Passphrase string `yaml:"passphrase"`

	// Testnet routes signed requests to the exchange's test environment.
	Testnet bool `yaml:"testnet"`

	// OrderRateBurst and OrderRatePerSecond bound outbound order commands.
	// Zero values fall back to conservative defaults.
	OrderRateBurst     int     `yaml:"order_rate_burst" validate:"gte=0"`
	OrderRatePerSecond float64 `yaml:"order_rate_per_second" validate:"gte=0"`
}

// SubscriptionConfig describes the streams to open at startup.
type SubscriptionConfig struct {
	Exchange    string   `yaml:"exchange" validate:"required"`
	AccountType string   `yaml:"account_type"`
	Channel     string   `yaml:"channel" validate:"required"`
	Symbols     []string `yaml:"symbols" validate:"required,min=1"`
}

// Load reads, env-overrides, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ConfigurationError{Reason: "failed to read config file", Err: err}
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ConfigurationError{Reason: "failed to parse config", Err: err}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides replaces credentials with environment values when set.
// Environment variables win over the file, so secrets can stay out of it.
func (c *Config) applyEnvOverrides() {
	for i := range c.Exchanges {
		prefix := "NEXUS_" + strings.ToUpper(c.Exchanges[i].Name) + "_"
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			c.Exchanges[i].APIKey = v
		}
		if v := os.Getenv(prefix + "SECRET"); v != "" {
			c.Exchanges[i].Secret = v
		}
		if v := os.Getenv(prefix + "PASSPHRASE"); v != "" {
			c.Exchanges[i].Passphrase = v
		}
	}
}

// Validate checks structural and semantic validity.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return ConfigurationError{Reason: "invalid config structure", Err: err}
	}

	seen := make(map[string]bool)
	for _, ex := range c.Exchanges {
		if _, err := model.ParseExchange(ex.Name); err != nil {
			return ConfigurationError{Reason: "unknown exchange name", Err: err}
		}
		if ex.AccountType != "" {
			if _, err := model.ParseAccountType(ex.AccountType); err != nil {
				return ConfigurationError{Reason: "unknown account type", Err: err}
			}
		}
		if !isWebSocketURL(ex.PublicEndpoint) {
			return ConfigurationError{Reason: fmt.Sprintf("public endpoint for %s is not a ws:// or wss:// URL", ex.Name)}
		}
		if ex.PrivateEndpoint != "" {
			if !isWebSocketURL(ex.PrivateEndpoint) {
				return ConfigurationError{Reason: fmt.Sprintf("private endpoint for %s is not a ws:// or wss:// URL", ex.Name)}
			}
			if ex.Name != "mock" && (ex.APIKey == "" || ex.Secret == "") {
				return ConfigurationError{Reason: fmt.Sprintf("private endpoint for %s requires api_key and secret", ex.Name)}
			}
		}
		key := ex.Name + "/" + ex.AccountType
		if seen[key] {
			return ConfigurationError{Reason: fmt.Sprintf("duplicate exchange entry %s", key)}
		}
		seen[key] = true
	}

	for _, sub := range c.Subscriptions {
		if _, err := model.ParseChannelKind(sub.Channel); err != nil {
			return ConfigurationError{Reason: "unknown subscription channel", Err: err}
		}
		if _, err := model.ParseExchange(sub.Exchange); err != nil {
			return ConfigurationError{Reason: "unknown subscription exchange", Err: err}
		}
		if !seen[sub.Exchange+"/"+sub.AccountType] {
			return ConfigurationError{Reason: fmt.Sprintf("subscription references unconfigured exchange %s/%s", sub.Exchange, sub.AccountType)}
		}
	}

	return nil
}

func isWebSocketURL(s string) bool {
	return strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://")
}

// FlushInterval returns the archive flush interval with its default applied.
func (e EngineConfig) FlushInterval() time.Duration {
	if e.ArchiveFlushIntervalSec <= 0 {
		return defaultArchiveFlushInterval
	}
	return time.Duration(e.ArchiveFlushIntervalSec) * time.Second
}

// RateLimits returns the order rate limit with defaults applied.
func (e ExchangeConfig) RateLimits() (burst int, perSecond float64) {
	burst, perSecond = e.OrderRateBurst, e.OrderRatePerSecond
	if burst <= 0 {
		burst = 5
	}
	if perSecond <= 0 {
		perSecond = 10
	}
	return burst, perSecond
}
