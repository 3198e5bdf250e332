package platform

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnauthorized means the account's credentials were rejected by the
// platform. Requires re-auth by an operator; never auto-retried.
var ErrUnauthorized = errors.New("platform rejected credentials")

// RateLimitedError means the platform throttled the request. Retryable;
// RetryAfter is honored when the platform provided one.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// ClientError means the platform rejected the request itself (bad payload,
// deleted post, etc). Never retried.
type ClientError struct {
	Code    int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("platform client error %d: %s", e.Code, e.Message)
}

// TransientError wraps a temporary platform failure (network, 5xx).
// Retryable with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient platform error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Retryable reports whether an adapter error should be retried.
// Unauthorized and client errors always need intervention; everything
// else (rate limits, transient failures, timeouts) is retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return false
	}
	var client *ClientError
	return !errors.As(err, &client)
}

// RetryAfter extracts the platform-provided retry-after hint, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
