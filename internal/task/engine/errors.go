package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrOverlapSkip = errors.New("task skipped: previous run still in flight")
	ErrCircuitOpen = errors.New("task skipped: circuit breaker open")
	ErrDraining    = errors.New("task skipped: engine draining")
)

// NoRetry marks an error as permanent; Retry stops at the first one.
//
//	return engine.NoRetry(fmt.Errorf("status %d", code))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a server-suggested delay (e.g. an HTTP Retry-After
// header) to err. Retry honors it, bounded by RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("%v (retry after %s)", e.err, e.after) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
