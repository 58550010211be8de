package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 10*time.Second || cfg.Server.IdleTimeout != 60*time.Second {
		t.Errorf("timeouts = %v/%v", cfg.Server.ReadTimeout, cfg.Server.IdleTimeout)
	}
	if cfg.Store.CacheTTL != 30*time.Second {
		t.Errorf("cache ttl = %v", cfg.Store.CacheTTL)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
  read_timeout: 5s
store:
  database_url: postgres://localhost/engine
engine:
  liquidator_reward_rate: "50000000000"
  max_pnl_rate: "3000000000000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Store.DatabaseURL != "postgres://localhost/engine" {
		t.Errorf("database url = %q", cfg.Store.DatabaseURL)
	}
	if cfg.Engine.LiquidatorRewardRate.String() != "50000000000" {
		t.Errorf("liquidator reward rate = %s", cfg.Engine.LiquidatorRewardRate)
	}
	// file values below defaults still win
	if cfg.Server.WriteTimeout != 10*time.Second {
		t.Errorf("unset write timeout must default: %v", cfg.Server.WriteTimeout)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9090\"\n")
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://env/engine")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("env PORT must win: %q", cfg.Server.Port)
	}
	if cfg.Store.DatabaseURL != "postgres://env/engine" {
		t.Errorf("env DATABASE_URL must win: %q", cfg.Store.DatabaseURL)
	}
}

func TestLoad_RejectsNegativeRates(t *testing.T) {
	path := writeConfig(t, "engine:\n  liquidator_reward_rate: \"-1\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("negative liquidator reward rate must be rejected")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing explicit config path must error")
	}
}
