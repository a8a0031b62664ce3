// Package resilience retries store operations across dropped connections
// and busy databases.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig is an exponential backoff policy for one store call.
// Zero fields fall back to DefaultRetryConfig.
type RetryConfig struct {
	MaxAttempts    int // total tries, 1 disables retry
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFraction float64 // 0.25 spreads each delay by ±25%

	// ShouldRetry replaces IsTransient when set.
	ShouldRetry func(err error) bool
	// OnRetry runs before each sleep with the 1-based attempt that failed.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig is sized for a Postgres failover: about 4s of waiting
// over five attempts. Store writes are idempotent, so repeating a whole
// call after a reconnect is safe.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.25,
	}
}

// Named returns a copy of c that logs each retry of op.
func (c RetryConfig) Named(component, op string) RetryConfig {
	log := zap.L().With(zap.String("component", component), zap.String("operation", op))
	c.OnRetry = func(attempt int, err error) {
		log.Warn("store call failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return c
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	c.JitterFraction = max(c.JitterFraction, 0)
	if c.ShouldRetry == nil {
		c.ShouldRetry = IsTransient
	}
	return c
}

// delay is the sleep after the given 0-based failed attempt.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := min(float64(c.InitialBackoff)*math.Pow(c.Multiplier, float64(attempt)), float64(c.MaxBackoff))
	if c.JitterFraction > 0 {
		d += (rand.Float64()*2 - 1) * d * c.JitterFraction
	}
	return time.Duration(max(d, 0))
}

// Do runs fn until it succeeds, fails with a non-retryable error, runs out
// of attempts or ctx ends. The last error is returned.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	for attempt := 0; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if attempt+1 >= cfg.MaxAttempts || ctx.Err() != nil || !cfg.ShouldRetry(err) {
			return zero, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(cfg.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}
