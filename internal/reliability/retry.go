// Package reliability retries best-effort remote calls with capped
// exponential backoff.
package reliability

import (
	"context"
	"errors"
	"time"
)

// IsRetryableHTTPStatus reports whether a response status is worth another
// attempt.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Policy bounds a retry loop. Attempts counts the first call.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// Backoff is the wait before retry number attempt (0-based), doubling from
// Base up to Cap.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	return d
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts
// run out or ctx ends. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(p.Backoff(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
