package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrReserve means the storage could not reserve a region for the image.
	ErrReserve = errors.New("storage reservation failed")

	// ErrShortWrite means storage accepted fewer bytes than supplied.
	ErrShortWrite = errors.New("short write")

	// ErrValidate means the sealed image failed its integrity check.
	ErrValidate = errors.New("image validation failed")

	// ErrSizeMismatch means the bytes written differ from the declared total.
	ErrSizeMismatch = errors.New("written size does not match declared size")

	// ErrOutOfOrder means a chunk offset did not continue the stream.
	ErrOutOfOrder = errors.New("chunk out of order")

	// ErrUpdateBusy is returned when a second upload starts while one is live.
	ErrUpdateBusy = errors.New("update already in progress")

	// ErrNoSession means command output was produced with no bound session.
	ErrNoSession = errors.New("no active session")

	// ErrSessionGone means the bound session disconnected before output
	// could be delivered.
	ErrSessionGone = errors.New("session disconnected")

	// ErrLoopClosed is returned to producers once the control loop stopped.
	ErrLoopClosed = errors.New("control loop closed")
)

// UpdateError wraps an underlying update failure with its category.
type UpdateError struct {
	Kind UpdateErrorKind
	Op   string
	Err  error
}

func (e *UpdateError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("update %s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("update %s: %v", e.Kind, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}
