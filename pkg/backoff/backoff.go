// Package backoff provides exponential backoff calculation and a small
// retry loop built on it.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	Jitter  float64       // fraction of the delay randomised, 0 disables (0..1)
}

func (c *Config) bounds() (time.Duration, time.Duration) {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if c != nil {
		if c.Initial > 0 {
			initial = c.Initial
		}
		if c.Max > 0 {
			maxBackoff = c.Max
		}
	}
	return initial, maxBackoff
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
// Jitter is not applied here; see Delay.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxBackoff := cfg.bounds()
	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Delay is Exponential with the configured jitter applied. The result is
// never negative and never exceeds the configured maximum.
func Delay(attempt int, cfg *Config) time.Duration {
	d := Exponential(attempt, cfg)
	if cfg == nil || cfg.Jitter <= 0 {
		return d
	}
	jitter := math.Min(cfg.Jitter, 1)
	spread := float64(d) * jitter
	out := float64(d) - spread + rand.Float64()*2*spread
	_, maxBackoff := cfg.bounds()
	return time.Duration(math.Max(0, math.Min(out, float64(maxBackoff))))
}

// Retry calls fn until it succeeds, retryable reports false, attempts are
// exhausted or ctx is done. attempts counts the first call. A nil retryable
// retries every error. The last error from fn is returned.
func Retry(ctx context.Context, attempts int, cfg *Config, retryable func(error) bool, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			timer := time.NewTimer(Delay(attempt, cfg))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
