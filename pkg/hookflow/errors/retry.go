package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds the short, in-process retries hookflow makes before a
// failure is handed on: trigger sink deliveries retry with it, and anything
// still failing afterwards is reported to the caller, not retried forever.
type RetryConfig struct {
	// MaxAttempts counts the first call. Zero or less means one call.
	MaxAttempts int

	// InitialBackoff is the wait after the first failure. It is multiplied
	// by BackoffFactor after every further failure, up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// Jitter spreads each wait by up to this fraction either way.
	Jitter float64

	// RetryableFunc replaces IsRetryable when set.
	RetryableFunc func(error) bool
}

// DefaultRetry is used for trigger sink deliveries.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// RetryResult is the outcome of WithRetryContext.
type RetryResult[T any] struct {
	Value    T
	Err      error
	Attempts int
	Duration time.Duration
}

// WithRetryContext calls fn until it succeeds, returns an error that is not
// retryable, runs out of attempts, or ctx ends. Every returned error is a
// *CategorizedError so callers can route it without re-inspecting the cause.
func WithRetryContext[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) RetryResult[T] {
	start := time.Now()
	attempts := max(cfg.MaxAttempts, 1)
	retryable := cfg.RetryableFunc
	if retryable == nil {
		retryable = IsRetryable
	}
	done := func(n int, v T, err error) RetryResult[T] {
		return RetryResult[T]{Value: v, Err: err, Attempts: n, Duration: time.Since(start)}
	}
	cancelled := func(n int, why string) RetryResult[T] {
		var zero T
		return done(n, zero, &CategorizedError{Err: ctx.Err(), Category: CategoryTransient, Context: why})
	}

	wait := cfg.InitialBackoff
	var last error
	for n := 1; n <= attempts; n++ {
		if ctx.Err() != nil {
			return cancelled(n-1, "context cancelled")
		}
		v, err := fn(ctx)
		if err == nil {
			return done(n, v, nil)
		}
		last = err
		if !retryable(err) {
			var zero T
			return done(n, zero, &CategorizedError{Err: err, Category: Categorize(err), Retries: n})
		}
		if n == attempts {
			break
		}

		timer := time.NewTimer(Jittered(wait, cfg.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return cancelled(n, "context cancelled during backoff")
		case <-timer.C:
		}
		wait = nextBackoff(wait, cfg)
	}

	var zero T
	return done(attempts, zero, &CategorizedError{
		Err:      last,
		Category: Categorize(last),
		Retries:  attempts,
		Context:  "max retries exceeded",
	})
}

func nextBackoff(cur time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(cur) * cfg.BackoffFactor)
	if cfg.MaxBackoff > 0 && next > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return next
}

// Jittered moves base by a random amount of at most base*jitter either way.
func Jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	spread := float64(base) * jitter * (rand.Float64()*2 - 1)
	return base + time.Duration(spread)
}
