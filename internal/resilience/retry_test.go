package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// recordSleeps returns a sleep hook that records waits without blocking
func recordSleeps(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestRetry_Success(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	}, DefaultRetryConfig(), nil)

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetry_FailureThenSuccess(t *testing.T) {
	var waits []time.Duration
	cfg := FixedRetryConfig(3, time.Second)
	cfg.Sleep = recordSleeps(&waits)

	attempts := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	}, cfg, nil)

	if err != nil {
		t.Errorf("Expected no error after retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != time.Second {
		t.Errorf("Expected two fixed 1s waits, got %v", waits)
	}
}

func TestRetry_MaxAttempts(t *testing.T) {
	var waits []time.Duration
	cfg := FixedRetryConfig(2, 10*time.Millisecond)
	cfg.Sleep = recordSleeps(&waits)

	attempts := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("persistent error %d", attempts)
	}, cfg, nil)

	if err == nil || err.Error() != "persistent error 2" {
		t.Errorf("Expected last error 'persistent error 2', got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
	if len(waits) != 1 {
		t.Errorf("Expected no wait after the last attempt, got %d waits", len(waits))
	}
}

func TestRetry_NonRetryableError(t *testing.T) {
	cfg := FixedRetryConfig(3, 10*time.Millisecond)

	attempts := 0
	isRetryable := func(err error) bool {
		return false // All errors are non-retryable
	}

	err := Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("non-retryable error")
	}, cfg, isRetryable)

	if err == nil {
		t.Error("Expected error")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt for non-retryable error, got %d", attempts)
	}
}

func TestRetry_ContextCancelledStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := FixedRetryConfig(5, time.Hour)

	attempts := 0
	err := Retry(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("boom")
	}, cfg, nil)

	if err == nil || err.Error() != "boom" {
		t.Errorf("Expected last error 'boom', got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt after cancellation, got %d", attempts)
	}
}

func TestFixedRetryConfig_Backoff(t *testing.T) {
	cfg := FixedRetryConfig(3, time.Second)
	for attempt := 0; attempt < 3; attempt++ {
		if got := cfg.backoff(attempt); got != time.Second {
			t.Errorf("Expected fixed 1s backoff on attempt %d, got %v", attempt, got)
		}
	}
}

func TestUnlessCanceled(t *testing.T) {
	if !UnlessCanceled(errors.New("completion 503")) {
		t.Error("Expected upstream errors to be retried")
	}
	if UnlessCanceled(fmt.Errorf("stream: %w", context.Canceled)) {
		t.Error("Expected cancellation to stop retrying")
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt        int
		initialBackoff time.Duration
		maxBackoff     time.Duration
		multiplier     float64
		expected       time.Duration
	}{
		{0, 100 * time.Millisecond, 1 * time.Second, 2.0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond, 1 * time.Second, 2.0, 200 * time.Millisecond},
		{2, 100 * time.Millisecond, 1 * time.Second, 2.0, 400 * time.Millisecond},
		{5, 100 * time.Millisecond, 1 * time.Second, 2.0, 1 * time.Second}, // Capped at max
		{4, 1 * time.Second, 1 * time.Second, 1.0, 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			backoff := CalculateBackoff(tt.attempt, tt.initialBackoff, tt.maxBackoff, tt.multiplier)
			if backoff != tt.expected {
				t.Errorf("Expected backoff %v, got %v", tt.expected, backoff)
			}
		})
	}
}
