// Package park provides the blocking wait/wake primitive used by the heap
// lock and the mutator wait barrier.
//
// A Parker blocks the caller while the 32-bit word at addr still holds an
// expected value, and wakes callers blocked on that word. Spurious wakeups
// are allowed: callers re-check their condition in a loop.
//
// On Linux the native parker issues futex(2) calls through x/sys/unix. Other
// platforms get Table, which parks on a hashed set of condition variables.
package park

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// Parker blocks and wakes callers keyed by the address of a 32-bit word.
type Parker interface {
	// Wait blocks while *addr == expected. It may return spuriously.
	Wait(addr *uint32, expected uint32)

	// Wake wakes up to n callers blocked in Wait on addr.
	Wake(addr *uint32, n int)
}

// Default returns the platform's preferred parker.
func Default() Parker {
	return native()
}

// WakeAll is the n to pass to Wake to release every waiter.
const WakeAll = 1<<31 - 1

const tableSize = 251

var shared = NewTable()

// Table is a portable Parker: a fixed set of condition variables selected by
// address hash. Wake broadcasts to the whole bucket, so unrelated waiters
// sharing a bucket see a spurious wakeup.
type Table struct {
	buckets [tableSize]bucket
}

type bucket struct {
	mu   sync.Mutex
	cond sync.Cond
	_    [40]byte
}

// NewTable returns an initialized Table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i].cond.L = &t.buckets[i].mu
	}
	return t
}

func (t *Table) bucketFor(addr *uint32) *bucket {
	return &t.buckets[(uintptr(unsafe.Pointer(addr))>>2)%tableSize]
}

// Wait implements Parker.
func (t *Table) Wait(addr *uint32, expected uint32) {
	b := t.bucketFor(addr)
	b.mu.Lock()
	// The value is re-read under the bucket lock, and Wake takes the same
	// lock after the waker has changed *addr, so the wakeup cannot be missed.
	if atomic.LoadUint32(addr) == expected {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// Wake implements Parker.
func (t *Table) Wake(addr *uint32, _ int) {
	b := t.bucketFor(addr)
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
}
