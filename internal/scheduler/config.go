package scheduler

import (
	"time"

	"github.com/reefbuddy/reefbuddy/internal/config"
)

// Config controls the reconcile sweep.
type Config struct {
	Enabled     bool
	RunInterval time.Duration
	OlderThan   time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	LockTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		RunInterval: time.Minute,
		OlderThan:   30 * time.Second,
		BatchSize:   100,
		JobTimeout:  30 * time.Second,
		LockTTL:     45 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:     cfg.Reconcile.Enabled,
		RunInterval: cfg.Reconcile.Interval,
		OlderThan:   cfg.Reconcile.OlderThan,
		BatchSize:   cfg.Reconcile.BatchSize,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.OlderThan <= 0 {
		c.OlderThan = defaults.OlderThan
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	// The lock must outlive a run so a slow node is not overlapped by the next.
	if c.LockTTL <= c.JobTimeout {
		c.LockTTL = c.JobTimeout + 15*time.Second
	}
	return c
}
