package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestDo_SucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return Retryable(fmt.Errorf("attempt %d", calls))
	})
	if err == nil || err.Error() != "attempt 2" {
		t.Fatalf("err = %v, want attempt 2", err)
	}
	if !IsRetryable(err) {
		t.Error("exhausted error should still be marked retryable")
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastConfig(0), func() error {
		return Retryable(errors.New("never succeeds"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(3), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, Retryable(errors.New("once"))
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("DoWithResult: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
	}{
		{syscall.EAGAIN, true},
		{fmt.Errorf("wrapped: %w", syscall.EBUSY), true},
		{syscall.ENOENT, false},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(Transient(tt.err)); got != tt.retryable {
			t.Errorf("IsRetryable(Transient(%v)) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
}

func TestOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Once(), func() error {
		calls++
		return Retryable(errors.New("x"))
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
