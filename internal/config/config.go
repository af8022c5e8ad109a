// Package config holds the two configuration layers of the engine.
//
// Process configuration (this file) is the small set of knobs the engine
// needs before it can reach the durable store: store path, lock port, tick
// interval, provider credentials. It comes from a YAML file plus environment
// overrides and is never self-modified.
//
// Behavioral configuration (defaults.go and friends) lives inside the
// durable store under config:* keys and is mutated by review passes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-level configuration.
type Config struct {
	// StorePath is the SQLite file backing the durable key namespace.
	StorePath string `yaml:"store_path"`

	// LockPort is bound on 127.0.0.1 as a singleton guard. The kernel
	// releases it on crash, so there are no stale locks.
	LockPort int `yaml:"lock_port"`

	// TickInterval drives daemon mode's wake timer.
	TickInterval time.Duration `yaml:"tick_interval"`

	// APIKeyEnv names the environment variable holding the built-in
	// provider tier's API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// BuiltinModel is the model used by the immutable tier-3 call path
	// when a request does not name one.
	BuiltinModel string `yaml:"builtin_model"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		StorePath:    ".swayambhu/store.db",
		LockPort:     49717,
		TickInterval: 15 * time.Minute,
		APIKeyEnv:    "ANTHROPIC_API_KEY",
		BuiltinModel: "claude-sonnet-4-20250514",
	}
}

// Load reads the YAML config file if it exists, then applies environment
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWAYAMBHU_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("SWAYAMBHU_LOCK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.LockPort = port
		}
	}
	if v := os.Getenv("SWAYAMBHU_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TickInterval = d
		}
	}
	if v := os.Getenv("SWAYAMBHU_API_KEY_ENV"); v != "" {
		cfg.APIKeyEnv = v
	}
	if v := os.Getenv("SWAYAMBHU_BUILTIN_MODEL"); v != "" {
		cfg.BuiltinModel = v
	}
}
