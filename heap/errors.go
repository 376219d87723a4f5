package heap

import "errors"

var (
	// ErrOutOfMemory is returned by Allocate when the request still fails
	// after the configured number of collections.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrInvalidSize is returned for zero-sized requests.
	ErrInvalidSize = errors.New("heap: invalid allocation size")

	// ErrUnknownHandle is returned for handles that are not live.
	ErrUnknownHandle = errors.New("heap: unknown handle")

	// ErrClosed is returned by operations on a closed heap.
	ErrClosed = errors.New("heap: closed")
)
