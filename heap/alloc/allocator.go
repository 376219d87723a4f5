package alloc

import (
	"sync/atomic"

	"github.com/joshuapare/regiongc/heap/lock"
	"github.com/joshuapare/regiongc/heap/region"
	"github.com/joshuapare/regiongc/internal/debug"
	"github.com/joshuapare/regiongc/internal/gcthread"
)

const (
	// DefaultMinLeftoverWords is the smallest leftover worth keeping a
	// region installed for.
	DefaultMinLeftoverWords = 64

	// DefaultAlignmentWords rounds every shared request.
	DefaultAlignmentWords = 1
)

// Config tunes an Allocator.
type Config struct {
	RegionSizeWords  uint64
	MinLeftoverWords uint64
	AlignmentWords   uint64
	// Pause, when set, lets ReleaseAllRegions check it runs during a pause.
	Pause PauseState
}

func (c Config) withDefaults() Config {
	if c.MinLeftoverWords == 0 {
		c.MinLeftoverWords = DefaultMinLeftoverWords
	}
	if c.AlignmentWords == 0 {
		c.AlignmentWords = DefaultAlignmentWords
	}
	return c
}

// Stats is a snapshot of allocator counters.
type Stats struct {
	FastPath      uint64 // served without the heap lock
	SlowPath      uint64 // served after taking the heap lock
	Refills       uint64 // new regions reserved
	Humongous     uint64
	Failures      uint64
	RetainedSwaps uint64 // old active kept as retained
	Returned      uint64 // regions handed back to the source
}

type counters struct {
	fastPath, slowPath, refills, humongous atomic.Uint64
	failures, retainedSwaps, returned      atomic.Uint64
}

// Allocator serves one partition. Safe for concurrent use.
type Allocator struct {
	active   atomic.Pointer[region.Region]
	retained atomic.Pointer[region.Region]

	src              FreeRegionSource
	heapLock         *lock.Lock
	partition        Partition
	yieldToSafepoint bool
	cfg              Config

	stats counters
}

// New returns an allocator bound to partition p. yieldToSafepoint says
// whether its callers may block for a pause while waiting for the heap lock.
func New(p Partition, src FreeRegionSource, heapLock *lock.Lock, yieldToSafepoint bool, cfg Config) *Allocator {
	return &Allocator{
		src:              src,
		heapLock:         heapLock,
		partition:        p,
		yieldToSafepoint: yieldToSafepoint,
		cfg:              cfg.withDefaults(),
	}
}

// NewMutator returns the mutator allocator. Mutators may block for a pause.
func NewMutator(src FreeRegionSource, heapLock *lock.Lock, cfg Config) *Allocator {
	return New(Mutator, src, heapLock, true, cfg)
}

// NewCollector returns the young collector allocator. GC workers must not
// block for the pause they may be driving.
func NewCollector(src FreeRegionSource, heapLock *lock.Lock, cfg Config) *Allocator {
	return New(Collector, src, heapLock, false, cfg)
}

// NewOldCollector returns the old collector allocator.
func NewOldCollector(src FreeRegionSource, heapLock *lock.Lock, cfg Config) *Allocator {
	return New(OldCollector, src, heapLock, false, cfg)
}

// Partition returns the partition this allocator serves.
func (a *Allocator) Partition() Partition { return a.partition }

// Active returns the active region, or nil.
func (a *Allocator) Active() *region.Region { return a.active.Load() }

// Retained returns the retained region, or nil.
func (a *Allocator) Retained() *region.Region { return a.retained.Load() }

// Allocate serves req for thread t. It returns the address of the
// allocation, or 0 when no region can satisfy it, and whether the
// allocation is the first in its region.
func (a *Allocator) Allocate(t *gcthread.Thread, req *Request) (uintptr, bool) {
	if debug.Enabled {
		a.verify(req)
	}

	if req.IsHumongous(a.cfg.RegionSizeWords) {
		a.heapLock.Lock(t, a.yieldToSafepoint)
		defer a.heapLock.Unlock(t)
		addr := a.src.AllocateContiguous(req)
		if addr == 0 {
			a.stats.failures.Add(1)
			return 0, false
		}
		req.ActualSizeWords = req.SizeWords
		a.stats.humongous.Add(1)
		return addr, true
	}

	if addr, inNew := a.allocateInAllocRegions(req); addr != 0 {
		a.stats.fastPath.Add(1)
		return addr, inNew
	}

	a.heapLock.Lock(t, a.yieldToSafepoint)
	defer a.heapLock.Unlock(t)
	addr, inNew := a.refillAndAllocate(req)
	if addr == 0 {
		a.stats.failures.Add(1)
		return 0, false
	}
	a.stats.slowPath.Add(1)
	return addr, inNew
}

func (a *Allocator) allocateInAllocRegions(req *Request) (uintptr, bool) {
	if r := a.retained.Load(); r != nil {
		if addr, inNew := a.allocateIn(r, req); addr != 0 {
			return addr, inNew
		}
	}
	if r := a.active.Load(); r != nil {
		if addr, inNew := a.allocateIn(r, req); addr != 0 {
			return addr, inNew
		}
	}
	return 0, false
}

func (a *Allocator) allocateIn(r *region.Region, req *Request) (uintptr, bool) {
	size := a.align(req.SizeWords)
	var (
		addr   uintptr
		actual uint64
		ok     bool
	)
	if req.IsLABAlloc() {
		addr, actual, ok = r.AllocateLABActive(size, req.MinSizeWords)
	} else {
		addr, ok = r.AllocateActive(size)
		actual = size
	}
	if !ok {
		return 0, false
	}
	req.ActualSizeWords = actual
	if req.IsGCAlloc() {
		// Objects copied here are not updated during evacuation, so the
		// watermark must cover them.
		r.AdvanceUpdateWatermark(addr + uintptr(actual)*region.WordSize)
	}
	return addr, addr == r.Base()
}

func (a *Allocator) align(words uint64) uint64 {
	n := a.cfg.AlignmentWords
	return (words + n - 1) / n * n
}

// refillAndAllocate runs under the heap lock.
func (a *Allocator) refillAndAllocate(req *Request) (uintptr, bool) {
	if addr, inNew := a.allocateInAllocRegions(req); addr != 0 {
		return addr, inNew
	}
	defer a.src.RecomputeTotals(a.partition)

	minBytes := a.align(req.minViableWords()) * region.WordSize
	nr := a.src.ReserveNewRegion(a.partition, minBytes)
	if nr == nil {
		return 0, false
	}
	a.stats.refills.Add(1)
	nr.SetActiveAlloc()

	addr, inNew := a.allocateIn(nr, req)
	debug.Assert(addr != 0, "alloc: %v failed in freshly reserved %v", req, nr)
	if addr == 0 {
		nr.UnsetActiveAlloc()
		return 0, false
	}
	if nr.FreeWords() < a.cfg.MinLeftoverWords {
		nr.UnsetActiveAlloc()
		return addr, inNew
	}
	a.install(nr)
	return addr, inNew
}

// install makes nr the active region and decides what happens to the old
// active and retained regions. Heap lock held.
func (a *Allocator) install(nr *region.Region) {
	old := a.active.Swap(nr)

	if ret := a.retained.Load(); ret != nil && ret.FreeWords() < a.cfg.MinLeftoverWords {
		ret.UnsetActiveAlloc()
		a.retained.Store(nil)
	}
	if old == nil {
		return
	}
	if old.FreeWords() < a.cfg.MinLeftoverWords {
		old.UnsetActiveAlloc()
		return
	}

	toReturn := old
	if ret := a.retained.Load(); ret == nil || ret.FreeWords() < old.FreeWords() {
		a.retained.Store(old)
		a.stats.retainedSwaps.Add(1)
		toReturn = ret
	}
	if toReturn != nil {
		a.giveBack(toReturn)
	}
}

// giveBack returns r's leftover space to the source. Heap lock held.
func (a *Allocator) giveBack(r *region.Region) {
	r.UnsetActiveAlloc()
	a.src.DecreaseUsed(a.partition, r.FreeBytes())
	a.src.IncreaseRegionCounts(a.partition, 1)
	a.src.UnretireToPartition(r, a.partition)
	a.stats.returned.Add(1)
}

// ReleaseAllRegions retires both installed regions. Only valid during a
// pause with the heap lock held by t. A region that was never allocated
// into is made free again.
func (a *Allocator) ReleaseAllRegions(t *gcthread.Thread) {
	if a.cfg.Pause != nil {
		debug.Assert(a.cfg.Pause.AtSafepoint(), "alloc: ReleaseAllRegions outside a pause")
	}
	a.heapLock.AssertOwned(t)

	minBytes := a.cfg.MinLeftoverWords * region.WordSize

	if r := a.retained.Swap(nil); r != nil {
		r.UnsetActiveAlloc()
		if r.FreeBytes() >= minBytes {
			debug.Assert(!r.IsEmpty(), "alloc: retained %v cannot be empty", r)
			a.giveBack(r)
		}
	}

	if r := a.active.Swap(nil); r != nil {
		r.UnsetActiveAlloc()
		if r.FreeBytes() >= minBytes {
			if r.IsEmpty() {
				r.MakeEmpty()
				r.SetAffiliation(region.Free)
				a.src.IncreaseEmptyRegionCounts(a.partition, 1)
			}
			a.giveBack(r)
		}
	}
	a.src.RecomputeTotals(a.partition)
}

// Stats returns a snapshot of the allocator's counters.
func (a *Allocator) Stats() Stats {
	return Stats{
		FastPath:      a.stats.fastPath.Load(),
		SlowPath:      a.stats.slowPath.Load(),
		Refills:       a.stats.refills.Load(),
		Humongous:     a.stats.humongous.Load(),
		Failures:      a.stats.failures.Load(),
		RetainedSwaps: a.stats.retainedSwaps.Load(),
		Returned:      a.stats.returned.Load(),
	}
}

func (a *Allocator) verify(req *Request) {
	switch a.partition {
	case Mutator:
		debug.Assert(req.IsMutatorAlloc(), "alloc: %v is not a mutator request", req)
	case Collector:
		debug.Assert(req.IsGCAlloc() && req.Affiliation == region.Young,
			"alloc: %v is not a young GC request", req)
	case OldCollector:
		debug.Assert(req.IsGCAlloc() && req.Affiliation == region.Old,
			"alloc: %v is not an old GC request", req)
	}
}
