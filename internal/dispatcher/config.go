package dispatcher

import (
	"time"

	"docflow/pkg/backoff"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize       int           // pending events buffer (default: 1000)
	Workers          int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout      time.Duration // per-request timeout (default: 10s)
	DeliveryTimeout  time.Duration // all attempts for one event (default: 30s)
	MaxRetries       int           // retries after the first attempt (default: 3)
	BreakerThreshold int           // consecutive failures per host (default: 5)
	BreakerCooldown  time.Duration // open-circuit pause before requeue (default: 30s)
	MaxRequeues      int           // requeues while a circuit is open (default: 10)
	FailureHistory   int           // failed deliveries kept for Stats (default: 32)
	BreakerIdleTTL   time.Duration // idle healthy breakers are forgotten (default: 10m)
	Backoff          backoff.Config
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	if c.FailureHistory <= 0 {
		c.FailureHistory = 32
	}
	if c.BreakerIdleTTL <= 0 {
		c.BreakerIdleTTL = 10 * time.Minute
	}
	return c
}
