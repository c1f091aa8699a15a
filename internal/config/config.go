// Package config handles agentmesh configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/agentmesh/config.yaml, /config/config.yaml,
// /etc/agentmesh/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentmesh", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/agentmesh/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all agentmesh runtime configuration.
type Config struct {
	Listen   ListenConfig  `yaml:"listen"`
	Bus      BusConfig     `yaml:"bus"`
	Registry RegistryConfig `yaml:"registry"`
	Storage  StorageConfig `yaml:"storage"`
	LogLevel string        `yaml:"log_level"`
	Debug    bool          `yaml:"debug"`
}

// ListenConfig defines the introspection API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// BusConfig defines event bus tuning.
type BusConfig struct {
	// MaxHistory is the bounded event history capacity (spec §6, default 1000).
	MaxHistory int `yaml:"max_history"`
	// SubscriberBuffer is the per-subscriber mailbox channel size.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// RegistryConfig defines registry/lifecycle watchdog tuning.
type RegistryConfig struct {
	// LivenessPollInterval is the watchdog scan cadence (spec §9 supplement).
	LivenessPollInterval time.Duration `yaml:"liveness_poll_interval"`
	// ActionTimeout is the default client-side timeout for synchronous
	// agent calls (spec §5 "Cancellation and timeouts").
	ActionTimeout time.Duration `yaml:"action_timeout"`
}

// StorageConfig defines the meshstore audit-trail database.
type StorageConfig struct {
	// Driver selects the sqlite driver: "modernc" (pure Go, default) or
	// "mattn" (CGO, github.com/mattn/go-sqlite3).
	Driver string `yaml:"driver"`
	// Path is the sqlite database file. Empty disables the audit trail.
	Path string `yaml:"path"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8090
	}
	if c.Bus.MaxHistory == 0 {
		c.Bus.MaxHistory = 1000
	}
	if c.Bus.SubscriberBuffer == 0 {
		c.Bus.SubscriberBuffer = 64
	}
	if c.Registry.LivenessPollInterval == 0 {
		c.Registry.LivenessPollInterval = 10 * time.Second
	}
	if c.Registry.ActionTimeout == 0 {
		c.Registry.ActionTimeout = 30 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "modernc"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Bus.MaxHistory < 1 {
		return fmt.Errorf("bus.max_history must be >= 1, got %d", c.Bus.MaxHistory)
	}
	if c.Storage.Driver != "modernc" && c.Storage.Driver != "mattn" {
		return fmt.Errorf("storage.driver %q must be %q or %q", c.Storage.Driver, "modernc", "mattn")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration with all defaults applied,
// suitable for local development and tests.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
