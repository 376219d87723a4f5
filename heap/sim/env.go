// Package sim provides cycle objects for the control loop that collect a
// simulated object graph.
//
// The graph is a handle table (Objects): an object is live while its handle
// is registered. Cycles mark by walking the table, reclaim regions without
// live objects, and evacuate the live objects of sparse regions into the
// collector partitions before recycling them. Payload bytes are copied, so
// a handle's contents survive any number of moves.
//
// Pauses exclude mutators through a reader/writer gate: mutators allocate
// and register objects under the read side, a pause holds the write side.
package sim

import (
	"log/slog"
	"sync"

	"github.com/joshuapare/regiongc/heap/alloc"
	"github.com/joshuapare/regiongc/heap/freeset"
	"github.com/joshuapare/regiongc/heap/lock"
	"github.com/joshuapare/regiongc/heap/region"
	"github.com/joshuapare/regiongc/heap/safepoint"
	"github.com/joshuapare/regiongc/internal/gcthread"
	"github.com/joshuapare/regiongc/internal/logger"
)

// Control is the part of the control loop cycles call back into.
type Control interface {
	HandleAllocFailureEvac(sizeWords uint64)
	WakeMutators()
}

// Env is everything a cycle touches.
type Env struct {
	Regions   []*region.Region
	FreeSet   *freeset.FreeSet
	HeapLock  *lock.Lock
	Safepoint *safepoint.Coordinator
	// Gate is held for writing during pauses.
	Gate *sync.RWMutex

	Mutator      *alloc.Allocator
	Collector    *alloc.Allocator
	OldCollector *alloc.Allocator

	Objects *Objects

	// Control is notified of evacuation failures and early reclamation.
	// Set it before the first cycle runs.
	Control Control

	// EvacGarbagePercent selects regions with at least this much garbage
	// for evacuation.
	EvacGarbagePercent int
	// PromotionAge moves objects that survived this many marks to old
	// regions. Zero never promotes.
	PromotionAge int

	// OnRecycle, when set, is called for every reclaimed region with the
	// heap lock held.
	OnRecycle func(r *region.Region)

	Logger *slog.Logger
}

// stw runs fn in a pause with mutators excluded.
func (e *Env) stw(fn func()) {
	e.Gate.Lock()
	defer e.Gate.Unlock()
	e.Safepoint.Pause(fn)
}

func (e *Env) locked(t *gcthread.Thread, fn func()) {
	lock.Locked(e.HeapLock, t, false, fn)
}

func (e *Env) allocators() []*alloc.Allocator {
	return []*alloc.Allocator{e.Mutator, e.Collector, e.OldCollector}
}

func (e *Env) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logger.For("sim")
}
