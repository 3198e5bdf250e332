package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayBounds(t *testing.T) {
	base := time.Second
	maxDelay := 30 * time.Second
	jitter := 0.2

	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := Delay(attempt, base, 2.0, maxDelay, jitter)
			if d < 0 {
				t.Fatalf("attempt %d: negative delay %v", attempt, d)
			}
			limit := time.Duration(float64(maxDelay) * (1 + jitter))
			if d > limit {
				t.Fatalf("attempt %d: delay %v above cap %v", attempt, d, limit)
			}
		}
	}
}

func TestDelayGrowsWithAttempt(t *testing.T) {
	// No jitter makes growth deterministic.
	d0 := Delay(0, time.Second, 2.0, time.Hour, 0)
	d1 := Delay(1, time.Second, 2.0, time.Hour, 0)
	d3 := Delay(3, time.Second, 2.0, time.Hour, 0)

	if d0 != time.Second {
		t.Errorf("attempt 0 delay = %v, want 1s", d0)
	}
	if d1 != 2*time.Second {
		t.Errorf("attempt 1 delay = %v, want 2s", d1)
	}
	if d3 != 8*time.Second {
		t.Errorf("attempt 3 delay = %v, want 8s", d3)
	}
}

func TestDelayVaries(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		seen[Delay(2, time.Second, 2.0, time.Minute, 0.3)] = true
	}
	if len(seen) < 2 {
		t.Error("expected jittered delays to vary across calls")
	}
}

func TestDelayZeroBase(t *testing.T) {
	if d := Delay(5, 0, 2.0, time.Minute, 0.2); d != 0 {
		t.Errorf("delay with zero base = %v, want 0", d)
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	retries := 0
	err := Do(context.Background(), Options{
		MaxAttempts:    5,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		JitterFraction: 0.1,
		OnRetry:        func(int, error) { retries++ },
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if retries != 2 {
		t.Errorf("retry callbacks = %d, want 2", retries)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	boom := errors.New("still broken")
	err := Do(context.Background(), Options{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, func(context.Context) error {
		calls++
		return boom
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var exceeded *MaxRetriesExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected MaxRetriesExceededError, got %v", err)
	}
	if exceeded.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exceeded.Attempts)
	}
	if !errors.Is(exceeded, boom) {
		t.Error("expected last error to be wrapped")
	}
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	}, func(context.Context) error {
		calls++
		return &ValidationError{Field: "format", Message: "unknown"}
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	var exceeded *MaxRetriesExceededError
	if errors.As(err, &exceeded) {
		t.Error("non-retryable error must not be wrapped as retries-exceeded")
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Options{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		return errors.New("should not matter")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("TimeoutError must unwrap to ErrTimeout")
	}
	if DefaultRetryable(err) != true {
		t.Error("timeouts must be retryable")
	}
}

func TestWithTimeoutFastOp(t *testing.T) {
	if err := WithTimeout(context.Background(), time.Second, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("fast op: %v", err)
	}
}

func TestWithTimeoutZeroLimitDisables(t *testing.T) {
	ran := false
	if err := WithTimeout(context.Background(), 0, func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatalf("zero limit: %v", err)
	}
	if !ran {
		t.Error("op did not run")
	}
}

func TestDefaultRetryable(t *testing.T) {
	if DefaultRetryable(&NotFoundError{Entity: "content", ID: "c1"}) {
		t.Error("not-found must not be retryable")
	}
	if !DefaultRetryable(errors.New("network down")) {
		t.Error("unknown errors default to retryable")
	}
}
