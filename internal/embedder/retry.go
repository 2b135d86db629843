package embedder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RetryConfig bounds how hard a provider call is retried
type RetryConfig struct {
	MaxRetries int // attempts including the first
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryConfig returns the policy used by the remote providers
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: MaxRetries,
		BaseDelay:  time.Duration(InitialBackoffMs) * time.Millisecond,
		MaxDelay:   time.Duration(MaxBackoffMs) * time.Millisecond,
		Multiplier: BackoffMultiplier,
	}
}

// StatusError is a non-200 answer from an embedding service
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Code, e.Body)
}

// Temporary reports whether the same request may succeed later. Rate limits
// and server errors are temporary; a bad key or an unknown model is not.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

// retryWithBackoff calls fn until it succeeds, the attempts run out, the
// service answers with a permanent status, or ctx ends.
func retryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	attempts := max(config.MaxRetries, 1)
	delay := config.BaseDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var result T
		if result, err = fn(); err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		var status *StatusError
		if errors.As(err, &status) && !status.Temporary() {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		delay = min(time.Duration(float64(delay)*config.Multiplier), config.MaxDelay)
	}
	return zero, fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}
