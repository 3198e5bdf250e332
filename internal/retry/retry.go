package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// ErrTimeout marks an attempt that ran past its per-attempt limit.
// Timeouts are retryable.
var ErrTimeout = errors.New("operation timed out")

// TimeoutError wraps ErrTimeout with the limit that was exceeded.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.Limit)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// MaxRetriesExceededError is returned by Do when every attempt failed
// with a retryable error.
type MaxRetriesExceededError struct {
	Attempts  int
	LastError error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *MaxRetriesExceededError) Unwrap() error { return e.LastError }

// ValidationError marks input the caller got wrong. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError marks a missing entity. Never retried.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Options configures Do. Zero values fall back to the documented defaults.
type Options struct {
	// MaxAttempts caps total attempts including the first. Default 4.
	MaxAttempts int
	// BaseDelay is the delay before the first retry. Default 1s.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth. Default 2m.
	MaxDelay time.Duration
	// JitterFraction spreads concurrent retries apart. Default 0.2.
	JitterFraction float64
	// AttemptTimeout bounds each attempt; zero disables it.
	AttemptTimeout time.Duration
	// IsRetryable classifies errors. Nil retries everything except
	// validation and not-found errors.
	IsRetryable func(error) bool
	// OnRetry is invoked before each retry with the attempt number that
	// just failed (1-based) and its error.
	OnRetry func(attempt int, err error)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 2 * time.Minute
	}
	if o.JitterFraction <= 0 {
		o.JitterFraction = 0.2
	}
	if o.IsRetryable == nil {
		o.IsRetryable = DefaultRetryable
	}
	return o
}

// DefaultRetryable retries everything except validation and not-found
// failures.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var notFound *NotFoundError
	return !errors.As(err, &notFound)
}

// Delay computes the backoff before retry number attempt (0-based):
// exponential growth capped at maxDelay, then a uniform jitter of
// ±jitterFraction applied to the capped value. Never negative.
func Delay(attempt int, base time.Duration, multiplier float64, maxDelay time.Duration, jitterFraction float64) time.Duration {
	if base <= 0 || attempt < 0 {
		return 0
	}
	if multiplier < 1 {
		multiplier = 1
	}

	raw := float64(base) * math.Pow(multiplier, float64(attempt))
	capped := math.Min(raw, float64(maxDelay))

	jitter := (rand.Float64()*2 - 1) * jitterFraction * capped
	d := time.Duration(capped + jitter)
	if d < 0 {
		return 0
	}
	return d
}

// WithTimeout runs op with a deadline of limit. The op must honor its
// context; when the deadline wins the race the result is a TimeoutError
// and the op's eventual return value is discarded.
func WithTimeout(ctx context.Context, limit time.Duration, op func(context.Context) error) error {
	if limit <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{Limit: limit}
	}
}

// Do runs op under a failsafe retry policy. Non-retryable errors stop
// after a single attempt and are returned as-is. When all attempts fail
// with retryable errors the result is a MaxRetriesExceededError carrying
// the attempt count and last error.
func Do(ctx context.Context, opts Options, op func(context.Context) error) error {
	opts = opts.withDefaults()

	attempts := 0
	var lastErr error

	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(opts.BaseDelay, opts.MaxDelay).
		WithJitterFactor(opts.JitterFraction).
		WithMaxRetries(opts.MaxAttempts - 1).
		HandleIf(func(_ any, err error) bool {
			return err != nil && opts.IsRetryable(err)
		}).
		Build()

	_, err := failsafe.With(policy).WithContext(ctx).Get(func() (any, error) {
		attempt := attempts
		attempts++
		if attempt > 0 && opts.OnRetry != nil {
			opts.OnRetry(attempt, lastErr)
		}

		attemptErr := WithTimeout(ctx, opts.AttemptTimeout, op)
		if attemptErr != nil {
			lastErr = attemptErr
		}
		return nil, attemptErr
	})

	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if attempts >= opts.MaxAttempts && opts.IsRetryable(err) {
		return &MaxRetriesExceededError{Attempts: attempts, LastError: err}
	}
	return err
}
