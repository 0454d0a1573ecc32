package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/discovery"
	"github.com/livinlefevreloca/trailsync/internal/exchange"
	"github.com/livinlefevreloca/trailsync/internal/logging"
	"github.com/livinlefevreloca/trailsync/internal/ratelimit"
	"github.com/livinlefevreloca/trailsync/internal/remote"
	"github.com/livinlefevreloca/trailsync/internal/syncjob"
	"github.com/livinlefevreloca/trailsync/internal/syncmgr"
	"github.com/livinlefevreloca/trailsync/internal/workerpool"
)

// Environment overrides
const (
	EnvDatabaseDSN    = "TRAILSYNC_DATABASE_DSN"
	EnvRemoteBaseURL  = "TRAILSYNC_REMOTE_BASE_URL"
	EnvSessionCookie  = "TRAILSYNC_REMOTE_SESSION_COOKIE"
	EnvCurrentAthlete = "TRAILSYNC_CURRENT_ATHLETE"
	EnvLogLevel       = "TRAILSYNC_LOG_LEVEL"
)

// Config represents the application configuration
type Config struct {
	// CurrentAthlete is the athlete whose own activity list is readable.
	// Zero disables the self scan.
	CurrentAthlete int64 `toml:"current_athlete"`

	Database   db.Config         `toml:"database"`
	Remote     remote.Config     `toml:"remote"`
	RateLimits []ratelimit.Spec  `toml:"rate_limits"`
	Discovery  discovery.Config  `toml:"discovery"`
	Sync       syncjob.Config    `toml:"sync"`
	Manager    syncmgr.Config    `toml:"manager"`
	Workers    workerpool.Config `toml:"workers"`
	Exchange   exchange.Config   `toml:"exchange"`
	Logging    logging.Config    `toml:"logging"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database:   db.DefaultConfig(),
		Remote:     remote.DefaultConfig(),
		RateLimits: ratelimit.DefaultSpecs(),
		Discovery:  discovery.DefaultConfig(),
		Sync:       syncjob.DefaultConfig(),
		Manager:    syncmgr.DefaultConfig(),
		Workers:    workerpool.DefaultConfig(),
		Exchange:   exchange.DefaultConfig(),
		Logging:    logging.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key: %s", undecoded[0])
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. A .env file next to the config file, or in the working directory
// 4. Environment variables
// 5. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	envFile := ".env"

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
		envFile = filepath.Join(filepath.Dir(configPath), ".env")
	}

	// existing environment variables win over the file
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvRemoteBaseURL); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv(EnvSessionCookie); v != "" {
		c.Remote.SessionCookie = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvCurrentAthlete); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be an athlete id: %w", EnvCurrentAthlete, err)
		}
		c.CurrentAthlete = id
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}
	if c.CurrentAthlete < 0 {
		return fmt.Errorf("current_athlete must not be negative")
	}

	if err := remote.ValidateConfig(c.Remote); err != nil {
		return err
	}
	if len(c.RateLimits) == 0 {
		return fmt.Errorf("at least one rate limit must be configured")
	}
	if err := ratelimit.ValidateSpecs(c.RateLimits); err != nil {
		return err
	}
	if err := discovery.ValidateConfig(c.Discovery); err != nil {
		return err
	}
	if err := syncjob.ValidateConfig(c.Sync); err != nil {
		return err
	}
	if err := syncmgr.ValidateConfig(c.Manager); err != nil {
		return err
	}
	if err := workerpool.ValidateConfig(c.Workers); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	if err := exchange.ValidateConfig(c.Exchange); err != nil {
		return err
	}
	return c.Logging.Validate()
}
