package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cevr/harness/internal/provider"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("boom"), false},
		{"429", &provider.Error{StatusCode: 429}, true},
		{"529 overloaded", &provider.Error{StatusCode: 529}, true},
		{"500", &provider.Error{StatusCode: 500}, true},
		{"400", &provider.Error{StatusCode: 400}, false},
		{"overloaded flag", &provider.Error{Overloaded: true}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Retryable(c.err); got != c.want {
				t.Errorf("Retryable(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{InitialDelay: time.Millisecond, MaxAttempts: 5}, func() error {
		attempts++
		if attempts < 3 {
			return &provider.Error{StatusCode: 429}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{InitialDelay: time.Millisecond}, func() error {
		attempts++
		return &provider.Error{StatusCode: 400}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (non-retryable)", attempts)
	}
}

func TestDo_ExhaustsMaxAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{InitialDelay: time.Millisecond, MaxAttempts: 3}, func() error {
		attempts++
		return &provider.Error{StatusCode: 503}
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	retryAfter := 10 * time.Millisecond
	attempts := 0
	start := time.Now()
	err := Do(context.Background(), Policy{InitialDelay: time.Hour, MaxAttempts: 2}, func() error {
		attempts++
		if attempts == 1 {
			return &provider.Error{StatusCode: 429, RetryAfter: &retryAfter}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("took %v, expected RetryAfter (10ms) to override the 1h initial delay", elapsed)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, Policy{InitialDelay: time.Hour, MaxAttempts: 3}, func() error {
		attempts++
		return &provider.Error{StatusCode: 429}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (should abort during first backoff wait)", attempts)
	}
}
