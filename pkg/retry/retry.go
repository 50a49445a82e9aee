// Package retry provides a small bounded-retry helper with a fixed delay
// between attempts. It backs both the allocator's worker-claim loop and the
// wake call, which retry the same way: a fixed number of attempts, a fixed
// pause, and the last error surfaced when attempts run out.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// stopError marks an error as non-retryable.
type stopError struct {
	err error
}

func (s *stopError) Error() string { return fmt.Sprintf("retry: stop: %v", s.err) }
func (s *stopError) Unwrap() error { return s.err }

// Stop marks err as non-retryable: Do returns err immediately without
// consuming further attempts.
func Stop(err error) error {
	return &stopError{err: err}
}

// Do invokes fn up to attempts times, sleeping delay between attempts.
// It returns nil on the first success, the wrapped error immediately if fn
// returns Stop(err), or the last error once attempts are exhausted.
func Do(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		lastErr = err

		if i < attempts-1 && delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}
