package providers

import (
	"context"
	"errors"
	"time"
)

// RetryConfig bounds retries on transient upstream failures.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 1, BaseDelay: 500 * time.Millisecond}
}

// RetryDo runs fn, retrying retryable HTTP errors up to cfg.MaxRetries
// times. A server-supplied Retry-After overrides the backoff delay.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if attempt >= cfg.MaxRetries || !IsRetryable(err) {
			return zero, err
		}

		delay := cfg.BaseDelay << attempt
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			delay = httpErr.RetryAfter
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
}
