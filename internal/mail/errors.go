package mail

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the core. Callers distinguish these
// from generic failures: ErrNeedsReauth means the principal has to
// re-run the authorization flow, retrying is pointless.
var (
	ErrNeedsReauth  = errors.New("credential needs re-authorization")
	ErrNotFound     = errors.New("not found")
	ErrTokenRevoked = errors.New("token revoked by provider")
	ErrRateLimited  = errors.New("provider rate limited")
)

// RetryableError wraps failures a caller may retry with backoff:
// network blips, 5xx responses, rate limits.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError wraps failures that will not succeed on retry:
// revoked tokens, malformed requests, invalid grants.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Retryable marks err as transient. Returns nil for nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Fatal marks err as permanent. Returns nil for nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
