package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"investi/internal/logging"
)

// RetryConfig configures retry behavior for transient failures.
type RetryConfig struct {
	MaxAttempts  int           // maximum number of retry attempts (default: 3)
	BaseDelay    time.Duration // base delay for exponential backoff (default: 1s)
	MaxDelay     time.Duration // maximum delay between retries (default: 30s)
	JitterFactor float64       // jitter factor for randomization (default: 0.25)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// Retry executes fn with exponential backoff, stopping early on permanent
// errors or context cancellation.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	return RetryWithLog(ctx, config, fn, nil)
}

// RetryWithLog is Retry with a custom logger.
func RetryWithLog(ctx context.Context, config RetryConfig, fn RetryableFunc, logger logging.Logger) error {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("retry")
	}

	var lastErr error

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			logger.Debug("Context cancelled, stopping retries")
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Retry succeeded after %d attempts", attempt+1)
			}
			return nil
		}

		lastErr = err
		logger.Debug("Attempt %d failed: %v", attempt+1, err)

		if !IsTransient(err) {
			logger.Debug("Error is not transient, stopping retries")
			return err
		}

		if attempt == config.MaxAttempts {
			break
		}

		delay := backoffDelay(config, attempt)
		logger.Debug("Waiting %v before retry", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", config.MaxAttempts+1, lastErr)
}

// backoffDelay computes the exponential backoff delay with jitter.
func backoffDelay(config RetryConfig, attempt int) time.Duration {
	base := float64(config.BaseDelay) * math.Pow(2, float64(attempt))
	if base > float64(config.MaxDelay) {
		base = float64(config.MaxDelay)
	}
	if config.JitterFactor > 0 {
		jitter := base * config.JitterFactor * (2*rand.Float64() - 1)
		base += jitter
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
