package lock

import (
	"sync/atomic"

	"github.com/joshuapare/regiongc/internal/debug"
	"github.com/joshuapare/regiongc/internal/gcthread"
)

// ReentrantLock lets its owner acquire it again. Only the outermost Unlock
// releases the underlying Lock.
type ReentrantLock struct {
	lock  *Lock
	owner atomic.Pointer[gcthread.Thread]
	// count is only touched by the owner.
	count uint64
}

// NewReentrant returns a free reentrant lock.
func NewReentrant(opts ...Option) *ReentrantLock {
	return &ReentrantLock{lock: New(opts...)}
}

// Lock acquires the lock or bumps the hold count if t already owns it.
func (r *ReentrantLock) Lock(t *gcthread.Thread, allowBlockForSafepoint bool) {
	if r.owner.Load() == t {
		r.count++
		return
	}
	r.lock.Lock(t, allowBlockForSafepoint)
	r.owner.Store(t)
	r.count = 1
}

// Unlock drops one hold. Unlock by a non-owner is a protocol violation.
func (r *ReentrantLock) Unlock(t *gcthread.Thread) {
	if owner := r.owner.Load(); owner != t {
		debug.Fatal("lock: reentrant unlock by %v, owner is %v", t, owner)
	}
	debug.Assert(r.count > 0, "lock: reentrant unlock with zero hold count")
	r.count--
	if r.count == 0 {
		r.owner.Store(nil)
		r.lock.Unlock(t)
	}
}

// OwnedBySelf reports whether t holds the lock.
func (r *ReentrantLock) OwnedBySelf(t *gcthread.Thread) bool {
	return r.owner.Load() == t
}

// HoldCount returns the owner's hold count. Only meaningful to the owner.
func (r *ReentrantLock) HoldCount() uint64 { return r.count }

// Close checks that the lock is not held or waited on. Closing a busy lock
// is a protocol violation.
func (r *ReentrantLock) Close() {
	if r.owner.Load() != nil || r.lock.Waiters() != 0 {
		debug.Fatal("lock: closing reentrant lock held by %v with %d waiters",
			r.owner.Load(), r.lock.Waiters())
	}
}
