package syncmgr

import (
	"fmt"
	"time"
)

// Config defines how often athletes are refreshed and how the refresh
// loop recovers from failures
type Config struct {
	// Athletes are resynced once their last sync is older than this
	RefreshInterval time.Duration `toml:"refresh_interval"`

	// A failed sync suppresses scheduled refreshes for this long
	RefreshErrorBackoff time.Duration `toml:"refresh_error_backoff"`

	// Delay after a failed loop iteration; it grows by half each time up to
	// MaxLoopErrorBackoff
	LoopErrorBackoff    time.Duration `toml:"loop_error_backoff"`
	MaxLoopErrorBackoff time.Duration `toml:"max_loop_error_backoff"`

	// Capacity of the manager inbox and of each event subscription
	InboxBufferSize int `toml:"inbox_buffer_size"`
	EventBufferSize int `toml:"event_buffer_size"`
}

// DefaultConfig returns manager defaults
func DefaultConfig() Config {
	return Config{
		RefreshInterval:     6 * time.Hour,
		RefreshErrorBackoff: 1 * time.Hour,
		LoopErrorBackoff:    1 * time.Second,
		MaxLoopErrorBackoff: 5 * time.Minute,
		InboxBufferSize:     1000,
		EventBufferSize:     256,
	}
}

// ValidateConfig checks manager settings
func ValidateConfig(cfg Config) error {
	if cfg.RefreshInterval <= 0 {
		return fmt.Errorf("manager refresh_interval must be positive, got %v", cfg.RefreshInterval)
	}
	if cfg.RefreshErrorBackoff < 0 {
		return fmt.Errorf("manager refresh_error_backoff cannot be negative, got %v", cfg.RefreshErrorBackoff)
	}
	if cfg.LoopErrorBackoff <= 0 {
		return fmt.Errorf("manager loop_error_backoff must be positive, got %v", cfg.LoopErrorBackoff)
	}
	if cfg.MaxLoopErrorBackoff < cfg.LoopErrorBackoff {
		return fmt.Errorf("manager max_loop_error_backoff (%v) must be at least loop_error_backoff (%v)",
			cfg.MaxLoopErrorBackoff, cfg.LoopErrorBackoff)
	}
	if cfg.InboxBufferSize <= 0 {
		return fmt.Errorf("manager inbox_buffer_size must be positive, got %d", cfg.InboxBufferSize)
	}
	if cfg.EventBufferSize <= 0 {
		return fmt.Errorf("manager event_buffer_size must be positive, got %d", cfg.EventBufferSize)
	}
	return nil
}
