// Package safepoint is a minimal global-pause synchronizer.
//
// It models only what the heap lock and the allocators observe: whether a
// pause is being synchronized, whether the system is at a pause, and a
// "blocked" scope a mutator enters before parking so the pause does not have
// to wait for it. The full protocol for bringing mutators to a halt is not
// implemented; Begin reaches the pause immediately.
package safepoint

import (
	"sync"
	"sync/atomic"

	"github.com/joshuapare/regiongc/internal/debug"
	"github.com/joshuapare/regiongc/internal/gcthread"
)

// Coordinator tracks pause state. The zero value is not usable; call New.
type Coordinator struct {
	mu   sync.Mutex
	cond *sync.Cond

	synchronizing atomic.Bool
	atSafepoint   atomic.Bool
	blocked       atomic.Int32
	pauses        atomic.Uint64
}

// New returns an idle coordinator.
func New() *Coordinator {
	c := &Coordinator{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Synchronizing reports whether a pause has been requested or is in
// progress.
func (c *Coordinator) Synchronizing() bool { return c.synchronizing.Load() }

// AtSafepoint reports whether the system is paused.
func (c *Coordinator) AtSafepoint() bool { return c.atSafepoint.Load() }

// Blocked returns the number of threads currently inside a blocked scope.
func (c *Coordinator) Blocked() int { return int(c.blocked.Load()) }

// Pauses returns the number of completed pauses.
func (c *Coordinator) Pauses() uint64 { return c.pauses.Load() }

// BlockScope marks t as blocked until the returned function is called. On
// exit the thread waits out any pause that is in progress, the way a thread
// leaving a blocked state must not run while the world is stopped.
func (c *Coordinator) BlockScope(t *gcthread.Thread) func() {
	debug.Assert(t.IsMutator(), "safepoint: %v is not a mutator and may not block for a pause", t)
	c.blocked.Add(1)
	return func() {
		if c.synchronizing.Load() {
			c.mu.Lock()
			for c.synchronizing.Load() {
				c.cond.Wait()
			}
			c.mu.Unlock()
		}
		c.blocked.Add(-1)
	}
}

// Begin starts a pause.
func (c *Coordinator) Begin() {
	c.mu.Lock()
	debug.Assert(!c.synchronizing.Load(), "safepoint: nested pause")
	c.synchronizing.Store(true)
	c.atSafepoint.Store(true)
	c.mu.Unlock()
}

// End finishes the pause and releases threads leaving blocked scopes.
func (c *Coordinator) End() {
	c.mu.Lock()
	debug.Assert(c.synchronizing.Load(), "safepoint: End without Begin")
	c.atSafepoint.Store(false)
	c.synchronizing.Store(false)
	c.pauses.Add(1)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Pause runs fn with the system paused.
func (c *Coordinator) Pause(fn func()) {
	c.Begin()
	defer c.End()
	fn()
}
