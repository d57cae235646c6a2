package chain

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig controls the exponential backoff applied to RPC operations.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Retryable reports whether an error is worth retrying. Reverts are not;
	// transport errors are.
	Retryable func(error) bool
}

// DefaultRetryConfig returns the backoff used for all node RPC calls.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Retryable:     func(error) bool { return true },
	}
}

// RetryManager executes operations with bounded exponential backoff.
type RetryManager struct {
	config *RetryConfig
	logger zerolog.Logger
}

// NewRetryManager creates a retry manager, falling back to defaults when
// config is nil.
func NewRetryManager(config *RetryConfig, logger zerolog.Logger) *RetryManager {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryManager{
		config: config,
		logger: logger.With().Str("component", "retry_manager").Logger(),
	}
}

// Execute runs fn, retrying retryable failures until attempts are exhausted
// or the context is done.
func (r *RetryManager) Execute(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	delay := r.config.InitialDelay

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				r.logger.Debug().
					Str("operation", operation).
					Int("attempts", attempt+1).
					Msg("operation succeeded after retries")
			}
			return nil
		}
		lastErr = err

		if !r.config.Retryable(err) {
			return err
		}
		if attempt >= r.config.MaxRetries {
			break
		}

		r.logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("operation failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * r.config.BackoffFactor)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}
	return lastErr
}
