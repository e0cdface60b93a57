package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds the full agent configuration. Values come from three
// layers: built-in defaults, an optional YAML file, and CIRRUS_* environment
// variables. Later layers win.
type AgentConfig struct {
	// Identity of the device in the registry.
	Tenant   string `yaml:"tenant"`
	Region   string `yaml:"region"`
	Fleet    string `yaml:"fleet"`
	DeviceID string `yaml:"device_id"`

	// PrivateKey is the path to the PEM-encoded signing key.
	PrivateKey string `yaml:"private_key"`

	// TokenTTLMinutes is the lifetime of minted tokens in minutes.
	TokenTTLMinutes int `yaml:"token_ttl_minutes"`

	// UseLTSEndpoint selects the long-term-support broker endpoint.
	UseLTSEndpoint bool `yaml:"use_lts_endpoint"`

	// Insecure disables TLS certificate verification.
	Insecure bool `yaml:"insecure"`

	// Announce publishes connect announcements after each successful connect.
	Announce bool `yaml:"announce"`

	// TickIntervalMillis is the session tick interval in milliseconds.
	TickIntervalMillis int `yaml:"tick_interval_ms"`

	// Capture is the path of the .clog session event capture file.
	// Empty disables capture.
	Capture string `yaml:"capture"`

	// MetricsAddr is the listen address for the Prometheus metrics server.
	// Empty disables the server.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DefaultAgentConfig returns the built-in defaults. Identity fields and the
// key path must still be provided.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		TokenTTLMinutes:    60,
		TickIntervalMillis: 250,
		LogLevel:           "info",
	}
}

// LoadConfig builds the agent configuration from defaults, the optional YAML
// file at path, and environment overrides. The result is not yet validated.
func LoadConfig(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Variables follow the pattern CIRRUS_KEY.
func applyEnvOverrides(cfg *AgentConfig) {
	if v := os.Getenv("CIRRUS_TENANT"); v != "" {
		cfg.Tenant = v
	}
	if v := os.Getenv("CIRRUS_REGION"); v != "" {
		cfg.Region = v
	}
	if v := os.Getenv("CIRRUS_FLEET"); v != "" {
		cfg.Fleet = v
	}
	if v := os.Getenv("CIRRUS_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("CIRRUS_PRIVATE_KEY"); v != "" {
		cfg.PrivateKey = v
	}
	if v := os.Getenv("CIRRUS_CAPTURE"); v != "" {
		cfg.Capture = v
	}
	if v := os.Getenv("CIRRUS_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CIRRUS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CIRRUS_USE_LTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.UseLTSEndpoint = b
		}
	}
	if v := os.Getenv("CIRRUS_INSECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Insecure = b
		}
	}
}

// Validate checks the configuration for completeness.
func (c *AgentConfig) Validate() error {
	if c.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Fleet == "" {
		return fmt.Errorf("fleet is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("private_key is required")
	}
	if c.TokenTTLMinutes < 0 {
		return fmt.Errorf("token_ttl_minutes must not be negative, got %d", c.TokenTTLMinutes)
	}
	if c.TickIntervalMillis <= 0 {
		return fmt.Errorf("tick_interval_ms must be positive, got %d", c.TickIntervalMillis)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
		// Valid
	default:
		return fmt.Errorf("unknown log level: %s", c.LogLevel)
	}
	return nil
}

// TokenTTL returns the token lifetime as a duration.
func (c *AgentConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// TickInterval returns the session tick interval as a duration.
func (c *AgentConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMillis) * time.Millisecond
}
