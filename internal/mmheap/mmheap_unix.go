//go:build unix

package mmheap

import (
	"errors"

	"golang.org/x/sys/unix"
)

var errUnsupported = errors.New("mmheap: mmap unsupported")

func mapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmap(data []byte) error {
	err := unix.Munmap(data)
	if errors.Is(err, unix.EINVAL) {
		// Double unmap.
		return nil
	}
	return err
}

// uncommit drops the pages. Partial pages at either end are zeroed instead.
func uncommit(b []byte) error {
	page := unix.Getpagesize()
	start := alignUp(addrOf(b), page) - addrOf(b)
	end := len(b) - (addrOf(b)+len(b))%page
	if start >= end {
		clear(b)
		return nil
	}
	clear(b[:start])
	clear(b[end:])
	return unix.Madvise(b[start:end], unix.MADV_DONTNEED)
}
