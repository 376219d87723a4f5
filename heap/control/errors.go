package control

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory is returned by Run when a full cycle could not free
	// enough memory. It is the only fatal outcome of the loop.
	ErrOutOfMemory = errors.New("control: out of memory")

	// ErrTerminated is returned to callers waiting on a stopped controller.
	ErrTerminated = errors.New("control: terminated")

	// ErrAlreadyStarted is returned by a second Run.
	ErrAlreadyStarted = errors.New("control: already started")
)

// CancelError is the context cause a running cycle observes when it is
// cancelled.
type CancelError struct {
	Cause Cause
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("control: cycle cancelled: %s", e.Cause)
}
