package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryTransient, "transient"},
		{CategoryFixable, "fixable"},
		{CategoryPermanent, "permanent"},
		{Category(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.category.String(); got != tt.expected {
				t.Errorf("Category(%d).String() = %s, want %s", tt.category, got, tt.expected)
			}
			if tt.category != Category(99) && ParseCategory(tt.expected) != tt.category {
				t.Errorf("ParseCategory(%s) did not round trip", tt.expected)
			}
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryPermanent},
		{"handler timeout", &event.HandlerTimeoutError{Handler: "h", Timeout: time.Second}, CategoryTransient},
		{"circuit open", &event.CircuitOpenError{Handler: "h"}, CategoryTransient},
		{"validation", &event.ValidationError{Field: "payload", Message: "bad"}, CategoryFixable},
		{"handler panic", &event.HandlerError{Handler: "h", Err: errors.New("boom"), Panic: true}, CategoryPermanent},
		{"handler error", &event.HandlerError{Handler: "h", Err: errors.New("io")}, CategoryTransient},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CategoryTransient},
		{"categorized", Permanent(errors.New("rejected"), "audit"), CategoryPermanent},
		{"wrapped categorized", fmt.Errorf("outer: %w", Fixable(errors.New("x"), "")), CategoryFixable},
		{"unsupported", errors.ErrUnsupported, CategoryPermanent},
		{"unknown", errors.New("unknown"), CategoryTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.expected {
				t.Errorf("Categorize() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestCategorizedError(t *testing.T) {
	err := NewCategorized(errors.New("failed"), CategoryTransient, "kafka publish")
	expected := "kafka publish: failed (category: transient, attempts: 0)"
	if got := err.Error(); got != expected {
		t.Errorf("Error() = %q, want %q", got, expected)
	}

	bare := NewCategorized(errors.New("failed"), CategoryPermanent, "")
	if got := bare.Error(); got != "failed (category: permanent, attempts: 0)" {
		t.Errorf("unexpected message %q", got)
	}
	if !errors.Is(err, err.Err) {
		t.Error("Unwrap must expose the cause")
	}
}

func TestWithRetryContext(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffFactor: 2}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		res := WithRetryContext(context.Background(), fast, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("flaky")
			}
			return "ok", nil
		})
		if res.Err != nil || res.Value != "ok" || res.Attempts != 3 {
			t.Errorf("unexpected result: %+v", res)
		}
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		res := WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			calls++
			return 0, Permanent(errors.New("no"), "")
		})
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
		if Categorize(res.Err) != CategoryPermanent {
			t.Errorf("expected permanent, got %s", Categorize(res.Err))
		}
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		res := WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			return 0, errors.New("down")
		})
		if res.Attempts != 3 || res.Err == nil {
			t.Errorf("unexpected result: %+v", res)
		}
	})

	t.Run("honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := WithRetryContext(ctx, fast, func(context.Context) (int, error) {
			t.Fatal("fn must not run after cancellation")
			return 0, nil
		})
		if res.Attempts != 0 || !errors.Is(res.Err, context.Canceled) {
			t.Errorf("unexpected result: %+v", res)
		}
	})
}

func TestNextBackoff(t *testing.T) {
	cfg := RetryConfig{BackoffFactor: 2, MaxBackoff: 300 * time.Millisecond}
	if d := nextBackoff(100*time.Millisecond, cfg); d != 200*time.Millisecond {
		t.Errorf("expected 200ms, got %s", d)
	}
	if d := nextBackoff(200*time.Millisecond, cfg); d != 300*time.Millisecond {
		t.Errorf("expected the 300ms cap, got %s", d)
	}
}

func TestJittered(t *testing.T) {
	if Jittered(time.Second, 0) != time.Second {
		t.Error("zero jitter must return base")
	}
	for i := 0; i < 100; i++ {
		d := Jittered(time.Second, 0.1)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("jittered duration %s out of range", d)
		}
	}
}
