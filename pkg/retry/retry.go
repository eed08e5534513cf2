package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
)

// Config defines retry behavior with exponential backoff and a fixed
// rate-limit cooldown.
type Config struct {
	MaxAttempts       int           // Total attempts including the first call
	InitialDelay      time.Duration // Delay before the second attempt
	MaxDelay          time.Duration // Cap on the exponential delay (0 = uncapped)
	Multiplier        float64
	JitterFactor      float64       // 0.0-1.0, applied to exponential delays only
	RateLimitCooldown time.Duration // Fixed wait after a RateLimited failure

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait. Optional.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig returns the generation defaults:
// 3 attempts, 2s initial delay doubling each time, 60s cooldown after a rate limit.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:       3,
		InitialDelay:      2 * time.Second,
		MaxDelay:          time.Minute,
		Multiplier:        2.0,
		RateLimitCooldown: 60 * time.Second,
	}
}

// applyJitter adds random jitter to a delay to prevent thundering herd.
// Jitter is calculated as: delay +/- (delay * jitterFactor * random(-1 to +1))
func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// NextDelay returns how long to wait after the given failed attempt (1-based).
// RateLimited failures always wait the fixed cooldown; everything else follows
// the exponential schedule InitialDelay * Multiplier^(attempt-1).
func NextDelay(cfg *Config, attempt int, err error) time.Duration {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if IsRateLimited(err) {
		return cfg.RateLimitCooldown
	}

	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.Multiplier
	}
	d := time.Duration(delay)
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return applyJitter(d, cfg.JitterFactor)
}

func sleep(ctx context.Context, cfg *Config, d time.Duration) error {
	if cfg.Sleep != nil {
		return cfg.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes fn, retrying Transient and RateLimited failures.
// Returns nil on success, or the last error once attempts are exhausted or a
// non-retryable error is seen. Respects context cancellation during waits.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn and returns both result and error.
// The attempt counter is local to the call, so one Config may be shared by
// concurrent callers.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var result T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		result, lastErr = r, err

		if !IsRetryable(err) || attempt == maxAttempts {
			break
		}

		delay := NextDelay(cfg, attempt, err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, cfg, delay); err != nil {
			return result, err
		}
	}

	return result, lastErr
}

// RetryableError is an interface for errors that explicitly declare their retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsRetryable reports whether err should be retried.
//
// The function checks errors in this order:
// 1. If the error implements RetryableError, use its IsRetryable() method
// 2. Otherwise use the error's classification (Transient and RateLimited retry)
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return apperrors.KindOf(err).Retryable()
}

// IsRateLimited reports whether err is classified as RateLimited.
func IsRateLimited(err error) bool {
	return apperrors.KindOf(err) == apperrors.KindRateLimited
}
