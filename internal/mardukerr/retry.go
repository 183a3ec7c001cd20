package mardukerr

import (
	"context"
	"fmt"
	"math"
	"time"

	"marduk/internal/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // delay unit (default 1s)
	Linear      bool          // linear backoff (delay·attempt) instead of exponential
	MaxDelay    time.Duration // cap between attempts (default 30s)
}

// DefaultRetryConfig returns the defaults used by the persistence layer.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

func (c RetryConfig) delay(attempt int) time.Duration {
	var d time.Duration
	if c.Linear {
		d = c.BaseDelay * time.Duration(attempt)
	} else {
		d = time.Duration(float64(c.BaseDelay) * math.Pow(2, float64(attempt-1)))
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Retryable decides whether an error is worth another attempt. Validation
// errors are never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsValidation(err)
}

// Retry executes fn with backoff until it succeeds, the attempt budget is
// spent, or ctx is cancelled.
func Retry(ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, config, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult executes fn with backoff and returns its result.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	config = config.normalized()
	logger = logging.OrNop(logger)

	var zero T
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("retry succeeded on attempt %d/%d", attempt, config.MaxAttempts)
			}
			return result, nil
		}
		lastErr = err
		logger.Debug("attempt %d/%d failed: %v", attempt, config.MaxAttempts, err)

		if !Retryable(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-time.After(config.delay(attempt)):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}
