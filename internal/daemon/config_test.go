package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Port != 8425 {
		t.Errorf("default port = %d, want 8425", cfg.API.Port)
	}
	if cfg.Ledger.DefaultExpiryDays != 30 {
		t.Errorf("default expiry = %d days, want 30", cfg.Ledger.DefaultExpiryDays)
	}
	if cfg.Pricing.DefaultRatePer1K != 1 {
		t.Errorf("default rate = %d, want 1", cfg.Pricing.DefaultRatePer1K)
	}
	if !cfg.Telemetry.Prometheus {
		t.Error("prometheus should default on")
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	t.Setenv("TALLYD_HOME", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("missing file should yield defaults, got port %d", cfg.API.Port)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Setenv("TALLYD_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.API.Port = 9999
	cfg.Pricing.Models = map[string]int64{"llama3": 5}
	cfg.Sessions.StaleAfterMinutes = 45

	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.API.Port != 9999 {
		t.Errorf("port = %d, want 9999", loaded.API.Port)
	}
	if loaded.Pricing.Models["llama3"] != 5 {
		t.Errorf("model rate = %d, want 5", loaded.Pricing.Models["llama3"])
	}
	if loaded.Sessions.StaleAfterMinutes != 45 {
		t.Errorf("stale minutes = %d, want 45", loaded.Sessions.StaleAfterMinutes)
	}
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TALLYD_HOME", home)

	partial := "[api]\nport = 7000\n"
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(partial), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 7000 {
		t.Errorf("port = %d, want 7000 from file", cfg.API.Port)
	}
	if cfg.Ledger.DefaultExpiryDays != 30 {
		t.Errorf("expiry = %d, want default 30 preserved", cfg.Ledger.DefaultExpiryDays)
	}
}

func TestTallydHome_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TALLYD_HOME", dir)

	if got := TallydHome(); got != dir {
		t.Errorf("TallydHome = %q, want %q", got, dir)
	}
}
