package processing

import (
	"errors"
	"fmt"

	"hookvault/pkg/retry"
)

var (
	// ErrHandlerTimeout is recorded when a handler outlives processing.timeout.
	ErrHandlerTimeout = errors.New("timeout")
	ErrNoHandler      = errors.New("no handler registered")
	ErrPayloadChanged = errors.New("stored payload hash mismatch")
)

// Transient marks err as retryable; the scheduler will try the event again after backoff.
func Transient(err error) error {
	return retry.NewRetryableError(err)
}

// Permanent marks err as final. Unmarked handler errors are treated the same way.
func Permanent(err error) error {
	return retry.NewFatalError(err)
}

func Transientf(format string, args ...interface{}) error {
	return Transient(fmt.Errorf(format, args...))
}

func Permanentf(format string, args ...interface{}) error {
	return Permanent(fmt.Errorf(format, args...))
}
