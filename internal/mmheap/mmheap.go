// Package mmheap reserves the backing memory of the region heap.
package mmheap

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrClosed is returned by operations on an unmapped arena.
var ErrClosed = errors.New("mmheap: arena closed")

// Arena is a contiguous, zeroed block of memory.
type Arena struct {
	data   []byte
	mapped bool
}

// New reserves size bytes. With useMmap set, platforms that support it map
// anonymous private memory; otherwise the arena lives on the Go heap.
func New(size int, useMmap bool) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmheap: invalid size %d", size)
	}
	if useMmap {
		data, err := mapAnon(size)
		if err == nil {
			return &Arena{data: data, mapped: true}, nil
		}
		if !errors.Is(err, errUnsupported) {
			return nil, err
		}
	}
	return &Arena{data: make([]byte, size)}, nil
}

// Base is the address of the first byte.
func (a *Arena) Base() uintptr {
	if len(a.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.data[0]))
}

// Len is the arena size in bytes.
func (a *Arena) Len() int { return len(a.data) }

// Mapped reports whether the arena came from mmap.
func (a *Arena) Mapped() bool { return a.mapped }

// Bytes exposes the arena memory.
func (a *Arena) Bytes() []byte { return a.data }

// Uncommit gives the pages of [off, off+n) back to the OS. The range reads
// as zero afterwards.
func (a *Arena) Uncommit(off, n int) error {
	if a.data == nil {
		return ErrClosed
	}
	if off < 0 || n < 0 || off+n > len(a.data) {
		return fmt.Errorf("mmheap: range [%d,%d) outside arena of %d bytes", off, off+n, len(a.data))
	}
	if n == 0 {
		return nil
	}
	if a.mapped {
		return uncommit(a.data[off : off+n])
	}
	clear(a.data[off : off+n])
	return nil
}

// Close releases the arena. Closing twice is a no-op.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	data := a.data
	a.data = nil
	if a.mapped {
		return unmap(data)
	}
	return nil
}
