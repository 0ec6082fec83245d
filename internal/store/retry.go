package store

import (
	"context"
	"math"
	"math/rand"
	"time"

	"polystore-backend/internal/errors"
)

// RetryConfig bounds transient-transport retries.
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryConfig matches the configuration defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// Retry runs operation, retrying on retryable errors with exponential
// backoff and jitter. Non-retryable errors return immediately. The context
// is checked before every attempt and during backoff sleeps.
func Retry(ctx context.Context, cfg RetryConfig, op string, operation func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if ctxErr := errors.FromContext(ctx, op); ctxErr != nil {
			if lastErr != nil {
				return ctxErr.WithCause(lastErr)
			}
			return ctxErr
		}

		lastErr = operation(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(backoffDelay(cfg, attempt)):
		case <-ctx.Done():
			return errors.FromContext(ctx, op).WithCause(lastErr)
		}
	}
	return lastErr
}

// backoffDelay computes the sleep before the given (zero-based) attempt's
// successor, with jitter to avoid thundering herds.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffFactor, float64(attempt))
	if jitter := cfg.JitterFactor; jitter > 0 {
		delay += delay * jitter * (rand.Float64()*2 - 1)
	}
	if ceiling := float64(cfg.MaxDelay); cfg.MaxDelay > 0 && delay > ceiling {
		delay = ceiling
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
