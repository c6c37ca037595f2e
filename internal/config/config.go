// Package config loads server configuration from an optional YAML file with
// environment variable overrides. Environment always wins.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Ledger struct {
	// MaxAttempts bounds internal retries on version conflicts.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBaseDelayMS is the base backoff between retries, in milliseconds.
	RetryBaseDelayMS int `yaml:"retry_base_delay_ms"`
	// LowBalanceThreshold, e.g. "25.00". Empty disables low-balance alerts.
	LowBalanceThreshold string `yaml:"low_balance_threshold"`
}

type Config struct {
	Env  string `yaml:"environment"`
	Port string `yaml:"server_port"`
	// StoreDriver selects the persistence backend: postgres, sqlite or memory.
	StoreDriver string `yaml:"store_driver"`
	// DBSource is the postgres conn string or the sqlite file path.
	DBSource string `yaml:"db_source"`
	LogLevel string `yaml:"log_level"`
	Ledger   Ledger `yaml:"ledger"`
}

// Load reads path (when non-empty) and then applies env overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Env:         "development",
		Port:        "8080",
		StoreDriver: "postgres",
		LogLevel:    "info",
		Ledger: Ledger{
			MaxAttempts:      5,
			RetryBaseDelayMS: 10,
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	override(&cfg.Env, "ENVIRONMENT")
	override(&cfg.Port, "SERVER_PORT")
	override(&cfg.StoreDriver, "STORE_DRIVER")
	override(&cfg.DBSource, "DB_SOURCE")
	override(&cfg.LogLevel, "LOG_LEVEL")

	switch cfg.StoreDriver {
	case "postgres", "sqlite":
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE is required for the %s store", cfg.StoreDriver)
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	return cfg, nil
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
