package gateway

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors shared across components. Store and queue wrap these so
// callers can branch with errors.Is regardless of the failing layer.
var (
	// ErrDuplicateTx is returned when an inserted transaction hash already
	// exists. Observation treats it as success: the transfer was recorded
	// by an earlier delivery.
	ErrDuplicateTx = errors.New("transaction already recorded")

	// ErrUnknownAddress is returned when a transfer recipient is not a
	// monitored payment address.
	ErrUnknownAddress = errors.New("address not monitored")

	// ErrStaleStatus is returned by compare-and-set status updates when the
	// row no longer holds the expected status.
	ErrStaleStatus = errors.New("transaction status changed concurrently")

	// ErrAddressExists is returned when an inserted payment address collides
	// with an existing address or derivation path. The issuer retries with
	// the next index.
	ErrAddressExists = errors.New("address or derivation path already exists")

	// ErrNotFound is returned when a looked-up entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExhausted is returned when a bounded retry loop gives up.
	ErrExhausted = errors.New("retry budget exhausted")
)

// retriableError marks an error as worth redelivering.
type retriableError struct{ err error }

func (e *retriableError) Error() string { return e.err.Error() }
func (e *retriableError) Unwrap() error { return e.err }

// permanentError marks an error as not worth redelivering even when its
// underlying cause would otherwise classify as transient.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retriable wraps err so IsRetriable reports true. A nil err stays nil.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &retriableError{err: err}
}

// Permanent wraps err so IsRetriable reports false even for transient causes.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetriable classifies an error for at-least-once processing. Explicit
// markers win; otherwise network timeouts, resets and deadline expiry count
// as transient. Everything else is permanent and must not be redelivered.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var retri *retriableError
	if errors.As(err, &retri) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
