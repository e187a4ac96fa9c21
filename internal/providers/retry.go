package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// HTTPError is a non-200 reply from the provider API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Retryable reports whether the request may succeed if sent again.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// RetryConfig bounds provider retries.
type RetryConfig struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, Initial: 500 * time.Millisecond, Max: 10 * time.Second}
}

// ParseRetryAfter reads a Retry-After header given in seconds.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RetryDo runs fn with exponential backoff. Client errors other than 429 are
// returned at once, as is a Retry-After longer than the backoff cap.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = cfg.Max

	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var he *HTTPError
		if errors.As(err, &he) {
			if !he.Retryable() {
				return v, backoff.Permanent(err)
			}
			if he.RetryAfter > b.MaxInterval {
				// the server wants longer than we are willing to wait
				return v, backoff.Permanent(err)
			}
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Warn("provider request failed, retrying", "error", err, "wait", wait)
		}),
	)
}
