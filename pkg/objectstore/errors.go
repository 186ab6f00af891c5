package objectstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested object was not found.
	ErrNotFound = errors.New("objectstore: object not found")

	// ErrTimeout indicates the operation exceeded its deadline.
	ErrTimeout = errors.New("objectstore: operation timed out")
)

// Error carries the failed operation and key alongside the cause.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("objectstore: %s failed for %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("objectstore: %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with operation and key context.
func NewError(op, key string, err error) error {
	return &Error{Op: op, Key: key, Err: err}
}

// IsNotFound reports whether err represents a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout reports whether err represents a deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
