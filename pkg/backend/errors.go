package backend

import (
	"errors"
	"fmt"
)

var (
	// Transport errors
	ErrConnection = errors.New("backing store unreachable")

	// Acquisition errors
	ErrLockTimeout    = errors.New("lock not acquired before deadline")
	ErrBarrierTimeout = errors.New("barrier not released before deadline")

	// Contention and ownership errors
	ErrConvergence       = errors.New("optimistic write did not converge within retry bound")
	ErrOwnershipMismatch = errors.New("lease is no longer held by this token")
	ErrStaleCounter      = errors.New("counter is not greater than the stored counter")

	// Argument and data errors
	ErrInvalidArgument = errors.New("invalid argument")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrEmpty           = errors.New("sequence is empty")
	ErrCorruptRecord   = errors.New("stored record cannot be decoded")
)

// ConnectionError reports a failed round trip to the backing store.
// It matches both ErrConnection and the underlying transport error.
type ConnectionError struct {
	Op  string
	Key string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// NewConnectionError wraps err unless it is nil or already a *ConnectionError.
func NewConnectionError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Op: op, Key: key, Err: err}
}

// IsConnectionError reports whether err came from the transport.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}
