// Package retry runs idempotent forum reads and wallet-service calls with
// exponential backoff. Paid writes are never retried here.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts  int           // attempts including the first; values below 1 mean one
	InitialDelay time.Duration // wait before the second attempt
	MaxDelay     time.Duration // cap on any single wait
	Multiplier   float64       // growth factor between waits

	// DelayHint, when set, may return a server-mandated delay (Retry-After)
	// for an error. A zero result falls back to the backoff schedule.
	DelayHint func(error) time.Duration
}

// DefaultConfig suits forum reads: three attempts over well under a second.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// IsRetryable reports whether an error is transient.
type IsRetryable func(error) bool

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, fails with an error isRetryable rejects, the
// attempts run out, or ctx is done. fn receives the 1-based attempt number.
// A non-retryable error is returned unwrapped.
func Do(ctx context.Context, config Config, isRetryable IsRetryable, fn func(attempt int) error) error {
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := config.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		wait := delay
		if config.DelayHint != nil {
			if hint := config.DelayHint(err); hint > 0 {
				wait = hint
			}
		}
		if config.MaxDelay > 0 && wait > config.MaxDelay {
			wait = config.MaxDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay = next(delay, config)
	}
	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// WithRetry is Do for functions that produce a value.
func WithRetry[T any](ctx context.Context, config Config, isRetryable IsRetryable, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, isRetryable, func(int) error {
		v, err := fn()
		if err == nil {
			result = v
		}
		return err
	})
	return result, err
}

func next(delay time.Duration, config Config) time.Duration {
	if config.Multiplier > 0 {
		delay = time.Duration(float64(delay) * config.Multiplier)
	}
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	return delay
}
