package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig controls transport-level retries around LLM calls.
type RetryConfig struct {
	// MaxRetries is how many times a failed call is retried after the
	// first attempt.
	MaxRetries int
	// BaseDelay is the backoff before the first retry; each subsequent
	// retry doubles it, with up to 50% random jitter on top.
	BaseDelay time.Duration
}

// DefaultRetryConfig retries twice with a one second base delay.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 2, BaseDelay: time.Second}
}

// HTTPError is a non-2xx response from a provider API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value: either delay seconds
// or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RetryDo calls fn, retrying transient failures with exponential backoff.
// Non-transient failures and context cancellation return immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, name string, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}

	var last error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := fn()
		if err == nil || !isTransient(err) || ctx.Err() != nil {
			return result, err
		}
		last = err

		if attempt == cfg.MaxRetries {
			break
		}
		delay := retryDelay(cfg.BaseDelay, attempt, err)
		slog.Warn("Retrying transient provider error",
			"provider", name,
			"status", statusOf(err),
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	slog.Error("Provider retries exhausted",
		"provider", name,
		"retries", cfg.MaxRetries,
		"error", last,
	)
	return zero, last
}

// isTransient reports whether err is worth retrying: a transport-level
// failure, a rate limit, or a server-side error.
func isTransient(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusTooManyRequests ||
			httpErr.Status == http.StatusRequestTimeout ||
			httpErr.Status >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Network-level failures (connection reset, DNS) arrive as plain
	// errors from the HTTP client.
	return true
}

func statusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

// retryDelay computes the backoff before retry attempt i, using the
// server's Retry-After as a floor when present.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := base * (1 << i)
	backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))

	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > backoff {
		return httpErr.RetryAfter
	}
	return backoff
}
