package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is joined with the last error when every attempt failed.
var ErrAttemptsExhausted = errors.New("backoff: attempts exhausted")

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retry stops immediately and returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry runs fn up to attempts times, sleeping per policy between failures.
// The attempt number passed to fn starts at 1. A Permanent error or a
// cancelled context ends the loop early.
func Retry[T any](ctx context.Context, policy Policy, attempts int, fn func(attempt int) (T, error)) (T, int, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, attempt - 1, errors.Join(lastErr, err)
			}
			return zero, attempt - 1, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, attempt, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, attempt, perm.err
		}
		lastErr = err

		if attempt < attempts {
			if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
				return zero, attempt, errors.Join(lastErr, err)
			}
		}
	}
	return zero, attempts, errors.Join(ErrAttemptsExhausted, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
