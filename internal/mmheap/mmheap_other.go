//go:build !unix

package mmheap

import "errors"

var errUnsupported = errors.New("mmheap: mmap unsupported")

func mapAnon(int) ([]byte, error) { return nil, errUnsupported }

func unmap([]byte) error { return nil }

func uncommit(b []byte) error {
	clear(b)
	return nil
}
