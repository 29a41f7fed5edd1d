// Package daemon manages the tallyd daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Pricing   PricingConfig   `toml:"pricing"`
	Sessions  SessionsConfig  `toml:"sessions"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Logging   LoggingConfig   `toml:"logging"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// LedgerConfig controls credit grant policy.
type LedgerConfig struct {
	DefaultExpiryDays int `toml:"default_expiry_days"`
}

// PricingConfig is the injected credit-per-token conversion table.
// Rates are credits per 1000 tokens; unknown models use the default rate.
type PricingConfig struct {
	DefaultRatePer1K int64            `toml:"default_rate_per_1k"`
	Models           map[string]int64 `toml:"models"`
}

// SessionsConfig controls the stale-session housekeeping sweep.
type SessionsConfig struct {
	StaleAfterMinutes    int `toml:"stale_after_minutes"`
	SweepIntervalMinutes int `toml:"sweep_interval_minutes"`
}

// TelemetryConfig controls observability endpoints.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := tallydHome()
	return Config{
		API: APIConfig{
			Host:        "127.0.0.1",
			Port:        8425,
			CORSOrigins: []string{"*"},
		},
		Ledger: LedgerConfig{
			DefaultExpiryDays: 30,
		},
		Pricing: PricingConfig{
			DefaultRatePer1K: 1,
			Models:           map[string]int64{},
		},
		Sessions: SessionsConfig{
			StaleAfterMinutes:    120,
			SweepIntervalMinutes: 15,
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(homeDir, "tallyd.log"),
		},
	}
}

// LoadConfig reads config from ~/.tallyd/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(tallydHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // No config file yet — use defaults
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the config to ~/.tallyd/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(tallydHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// tallydHome returns the tallyd data directory.
func tallydHome() string {
	if env := os.Getenv("TALLYD_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tallyd")
}

// TallydHome is exported for use by other packages.
func TallydHome() string {
	return tallydHome()
}
