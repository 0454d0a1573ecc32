package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Database defaults
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected driver sqlite3, got %s", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "trailsync.db" {
		t.Errorf("expected DSN trailsync.db, got %s", cfg.Database.DSN)
	}

	// Rate limits
	if len(cfg.RateLimits) != 3 {
		t.Fatalf("expected 3 default rate limits, got %d", len(cfg.RateLimits))
	}
	if cfg.RateLimits[0].Label != "streams-min" || !cfg.RateLimits[0].Spread {
		t.Errorf("unexpected first rate limit: %+v", cfg.RateLimits[0])
	}

	// Sync and manager defaults
	if cfg.Sync.InitialBatch != 20 || cfg.Sync.MaxBatch != 500 {
		t.Errorf("unexpected batch defaults: %d/%d", cfg.Sync.InitialBatch, cfg.Sync.MaxBatch)
	}
	if cfg.Manager.RefreshInterval != 6*time.Hour {
		t.Errorf("expected refresh_interval 6h, got %v", cfg.Manager.RefreshInterval)
	}
	if cfg.Manager.RefreshErrorBackoff != time.Hour {
		t.Errorf("expected refresh_error_backoff 1h, got %v", cfg.Manager.RefreshErrorBackoff)
	}
	if cfg.Discovery.MaxConcurrency != 25 {
		t.Errorf("expected discovery max_concurrency 25, got %d", cfg.Discovery.MaxConcurrency)
	}
	if cfg.Exchange.BatchSize != 10*1024*1024 {
		t.Errorf("expected exchange batch_size 10MiB, got %d", cfg.Exchange.BatchSize)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeFile(t, tmpDir, "config.toml", `
current_athlete = 42

[database]
dsn = "/tmp/test.db"
max_open_conns = 8

[remote]
base_url = "http://localhost:9999"
timeout = "5s"

[[rate_limits]]
label = "burst"
period = "10s"
limit = 5

[sync]
initial_batch = 10

[manager]
refresh_interval = "2h"

[logging]
level = "debug"
format = "json"
`)

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Check overridden values
	if cfg.CurrentAthlete != 42 {
		t.Errorf("expected current_athlete 42, got %d", cfg.CurrentAthlete)
	}
	if cfg.Database.DSN != "/tmp/test.db" || cfg.Database.MaxOpenConns != 8 {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Remote.Timeout != 5*time.Second {
		t.Errorf("expected remote timeout 5s, got %v", cfg.Remote.Timeout)
	}
	if len(cfg.RateLimits) != 1 || cfg.RateLimits[0].Label != "burst" || cfg.RateLimits[0].Period != 10*time.Second {
		t.Errorf("expected rate limits replaced, got %+v", cfg.RateLimits)
	}
	if cfg.Sync.InitialBatch != 10 {
		t.Errorf("expected initial_batch 10, got %d", cfg.Sync.InitialBatch)
	}
	if cfg.Manager.RefreshInterval != 2*time.Hour {
		t.Errorf("expected refresh_interval 2h, got %v", cfg.Manager.RefreshInterval)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected json logging, got %s", cfg.Logging.Format)
	}

	// Check default values still present
	if cfg.Sync.MaxBatch != 500 {
		t.Errorf("expected max_batch default 500, got %d", cfg.Sync.MaxBatch)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected default driver, got %s", cfg.Database.Driver)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected loaded config to validate, got %v", err)
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.toml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadFromFile_UnknownKey(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", "[manager]\nrefresh_intervall = \"1h\"\n")
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for misspelled key")
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("expected no error for empty config path, got %v", err)
	}

	// Should return defaults
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected default driver, got %s", cfg.Database.Driver)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabaseDSN, "/data/env.db")
	t.Setenv(EnvCurrentAthlete, "7")
	t.Setenv(EnvLogLevel, "warn")

	tmpDir := t.TempDir()
	path := writeFile(t, tmpDir, "config.toml", "[database]\ndsn = \"/data/file.db\"\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Database.DSN != "/data/env.db" {
		t.Errorf("expected env DSN to win, got %s", cfg.Database.DSN)
	}
	if cfg.CurrentAthlete != 7 {
		t.Errorf("expected current athlete 7, got %d", cfg.CurrentAthlete)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
}

func TestLoadConfig_DotEnv(t *testing.T) {
	// registered so the variable godotenv sets is removed after the test
	t.Setenv(EnvSessionCookie, "")
	os.Unsetenv(EnvSessionCookie)

	tmpDir := t.TempDir()
	path := writeFile(t, tmpDir, "config.toml", "")
	writeFile(t, tmpDir, ".env", EnvSessionCookie+"=secret-session\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Remote.SessionCookie != "secret-session" {
		t.Errorf("expected cookie from .env, got %q", cfg.Remote.SessionCookie)
	}
}

func TestLoadConfig_BadAthleteEnv(t *testing.T) {
	t.Setenv(EnvCurrentAthlete, "me")
	if _, err := LoadConfig(""); err == nil {
		t.Error("expected error for non-numeric athlete id")
	}
}

func TestValidate_Success(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid driver", func(c *Config) { c.Database.Driver = "postgres" }},
		{"empty driver", func(c *Config) { c.Database.Driver = "" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"empty base url", func(c *Config) { c.Remote.BaseURL = "" }},
		{"no rate limits", func(c *Config) { c.RateLimits = nil }},
		{"duplicate rate limit", func(c *Config) { c.RateLimits = append(c.RateLimits, c.RateLimits[0]) }},
		{"zero discovery concurrency", func(c *Config) { c.Discovery.MaxConcurrency = 0 }},
		{"batch growth below one", func(c *Config) { c.Sync.BatchGrowth = 0.5 }},
		{"zero refresh interval", func(c *Config) { c.Manager.RefreshInterval = 0 }},
		{"zero workers", func(c *Config) { c.Workers.MaxWorkers = 0 }},
		{"zero export batch", func(c *Config) { c.Exchange.BatchSize = 0 }},
		{"invalid log level", func(c *Config) { c.Logging.Level = "invalid" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}
