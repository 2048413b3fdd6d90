package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the sync core. These provide consistent, checkable
// errors for the failure classes a caller has to react to.
var (
	ErrValidation      = errors.New("invalid message payload")
	ErrNotFound        = errors.New("requested record not found")
	ErrTransport       = errors.New("transport failure")
	ErrTimeout         = errors.New("no confirmation within the timeout window")
	ErrRejected        = errors.New("operation rejected by backend")
	ErrOperationFailed = errors.New("operation failed")
	ErrClosed          = errors.New("client closed")
)

// ValidationError reports a malformed write payload. It is returned
// synchronously, before anything is enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// OperationError is the asynchronous resolution of a write that could not be
// confirmed. Cause is one of ErrTransport, ErrTimeout, ErrRejected,
// ErrNotFound or ErrClosed, possibly wrapped.
type OperationError struct {
	Seq      uint64
	Kind     OpKind
	ID       string
	Attempts int
	Cause    error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s %s (seq %d, %d attempts): %v",
		ErrOperationFailed, e.Kind, e.ID, e.Seq, e.Attempts, e.Cause)
}

func (e *OperationError) Is(target error) bool {
	return target == ErrOperationFailed
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether err is worth resending with the same sequence
// number.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport)
}
