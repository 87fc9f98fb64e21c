package scheduler

import (
	"time"

	"github.com/smallbiznis/tripline/internal/config"
)

// Config controls job polling, retries and the reconciliation sweep.
type Config struct {
	PollInterval   time.Duration
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	FireTimeout    time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
	SweepTimeout   time.Duration
	// SlotGrace keeps a lifecycle slot alive this long past its fire time.
	SlotGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   500 * time.Millisecond,
		Workers:        4,
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		FireTimeout:    30 * time.Second,
		SweepInterval:  5 * time.Minute,
		SweepBatch:     100,
		SweepTimeout:   2 * time.Minute,
		SlotGrace:      7 * 24 * time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		PollInterval:  cfg.Scheduler.PollInterval,
		Workers:       cfg.Scheduler.Workers,
		MaxAttempts:   cfg.Scheduler.MaxAttempts,
		SweepInterval: cfg.Scheduler.SweepInterval,
		SweepBatch:    cfg.Scheduler.SweepBatch,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = defaults.FireTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = defaults.SweepBatch
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = defaults.SweepTimeout
	}
	if c.SlotGrace <= 0 {
		c.SlotGrace = defaults.SlotGrace
	}
	return c
}
