// Package retry re-invokes fallible operations with bounded backoff.
package retry

import (
	"context"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Total attempts, including the first
	BaseDelay   time.Duration // Wait after the first failure
	MaxDelay    time.Duration // Upper bound for any single wait
	Constant    bool          // Wait BaseDelay every time instead of doubling

	// ShouldRetry filters errors worth another attempt. Nil retries everything.
	ShouldRetry func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	return c
}

// Backoff returns the wait after the given failed attempt (1-based).
func Backoff(cfg Config, attempt int) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Constant {
		return min(cfg.BaseDelay, cfg.MaxDelay)
	}

	wait := cfg.BaseDelay
	if wait == 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= cfg.MaxDelay || wait <= 0 {
			return cfg.MaxDelay
		}
	}
	return min(wait, cfg.MaxDelay)
}

// Do executes fn with retries and returns its result. When every attempt
// fails the last error is returned unwrapped so callers can match on it.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var result T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		r, err := fn(ctx)
		if err == nil {
			return r, nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return result, err
		}

		wait := Backoff(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, lastErr
		case <-timer.C:
		}
	}

	return result, lastErr
}

// DoErr is Do for operations without a result value.
func DoErr(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
