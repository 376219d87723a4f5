// Package region defines a heap region: a fixed-size slice of the heap with
// a lock-free bump pointer.
//
// Structural fields (affiliation, the active-allocation flag, emptying) are
// changed only under the heap lock. The bump pointer is advanced by
// compare-and-swap from any number of allocating threads.
package region

import (
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/regiongc/internal/debug"
)

// WordSize is the size of a heap word in bytes.
const WordSize = 8

// activeBit marks the top word of a region installed in an allocator. Tops
// are word aligned, so the bit never collides with an address.
const activeBit uintptr = 1

// Affiliation says which generation a region belongs to.
type Affiliation uint32

const (
	Free Affiliation = iota
	Young
	Old
)

func (a Affiliation) String() string {
	switch a {
	case Free:
		return "free"
	case Young:
		return "young"
	case Old:
		return "old"
	default:
		return fmt.Sprintf("Affiliation(%d)", uint32(a))
	}
}

// Region is owned by the heap. Allocators hold non-owning pointers.
type Region struct {
	index     int
	base      uintptr
	end       uintptr
	sizeWords uint64

	// top holds the bump pointer and activeBit, so installation and
	// allocation are ordered by the same word.
	top             atomic.Uintptr
	updateWatermark atomic.Uintptr
	affiliation     atomic.Uint32
}

// New returns an empty, free region covering sizeWords words at base.
func New(index int, base uintptr, sizeWords uint64) *Region {
	r := &Region{
		index:     index,
		base:      base,
		end:       base + uintptr(sizeWords)*WordSize,
		sizeWords: sizeWords,
	}
	r.top.Store(base)
	r.updateWatermark.Store(base)
	return r
}

func (r *Region) Index() int          { return r.index }
func (r *Region) Base() uintptr       { return r.base }
func (r *Region) End() uintptr        { return r.end }
func (r *Region) Top() uintptr        { return r.top.Load() &^ activeBit }
func (r *Region) SizeWords() uint64   { return r.sizeWords }
func (r *Region) SizeBytes() uint64   { return r.sizeWords * WordSize }
func (r *Region) FreeWords() uint64   { return uint64(r.end-r.Top()) / WordSize }
func (r *Region) FreeBytes() uint64   { return uint64(r.end - r.Top()) }
func (r *Region) UsedBytes() uint64   { return uint64(r.Top() - r.base) }
func (r *Region) IsEmpty() bool       { return r.Top() == r.base }
func (r *Region) IsActiveAlloc() bool { return r.top.Load()&activeBit != 0 }

// Contains reports whether addr lies inside the region.
func (r *Region) Contains(addr uintptr) bool { return addr >= r.base && addr < r.end }

// OffsetWords returns the word offset of addr from the region base.
func (r *Region) OffsetWords(addr uintptr) uint64 { return uint64(addr-r.base) / WordSize }

// AllocateAtomic bumps the top by sizeWords if the region has room,
// whether or not the region is installed.
func (r *Region) AllocateAtomic(sizeWords uint64) (uintptr, bool) {
	addr, _, ok := r.bump(sizeWords, sizeWords, false)
	return addr, ok
}

// AllocateActive is AllocateAtomic for allocators: it fails once the region
// is no longer installed, even for a caller holding a stale pointer.
func (r *Region) AllocateActive(sizeWords uint64) (uintptr, bool) {
	addr, _, ok := r.bump(sizeWords, sizeWords, true)
	return addr, ok
}

// AllocateLABAtomic allocates a local allocation buffer: as many words as
// requested, or whatever is left if that is at least minWords.
func (r *Region) AllocateLABAtomic(sizeWords, minWords uint64) (uintptr, uint64, bool) {
	return r.bump(sizeWords, minWords, false)
}

// AllocateLABActive is AllocateLABAtomic restricted to installed regions.
func (r *Region) AllocateLABActive(sizeWords, minWords uint64) (uintptr, uint64, bool) {
	return r.bump(sizeWords, minWords, true)
}

func (r *Region) bump(sizeWords, minWords uint64, requireActive bool) (uintptr, uint64, bool) {
	for {
		w := r.top.Load()
		if requireActive && w&activeBit == 0 {
			return 0, 0, false
		}
		top := w &^ activeBit
		actual := min(sizeWords, uint64(r.end-top)/WordSize)
		if actual == 0 || actual < minWords {
			return 0, 0, false
		}
		// Adding whole words leaves activeBit as it was.
		if r.top.CompareAndSwap(w, w+uintptr(actual)*WordSize) {
			return top, actual, true
		}
	}
}

// UpdateWatermark returns the limit below which references must be updated.
func (r *Region) UpdateWatermark() uintptr { return r.updateWatermark.Load() }

// SetUpdateWatermark records addr as the update watermark.
func (r *Region) SetUpdateWatermark(addr uintptr) { r.updateWatermark.Store(addr) }

// AdvanceUpdateWatermark raises the watermark to at least to. Concurrent
// GC allocations may race here, so it only ever moves up.
func (r *Region) AdvanceUpdateWatermark(to uintptr) {
	for {
		cur := r.updateWatermark.Load()
		if cur >= to || r.updateWatermark.CompareAndSwap(cur, to) {
			return
		}
	}
}

// Affiliation returns the region's generation.
func (r *Region) Affiliation() Affiliation { return Affiliation(r.affiliation.Load()) }

// SetAffiliation changes the generation. Heap lock required.
func (r *Region) SetAffiliation(a Affiliation) { r.affiliation.Store(uint32(a)) }

// SetActiveAlloc marks the region as installed in an allocator. Heap lock required.
func (r *Region) SetActiveAlloc() { r.top.Or(activeBit) }

// UnsetActiveAlloc marks the region as no longer installed. Heap lock
// required. Once it returns, AllocateActive and AllocateLABActive fail, so
// FreeBytes read afterwards is final.
func (r *Region) UnsetActiveAlloc() { r.top.And(^activeBit) }

// MakeEmpty discards every allocation in the region. Heap lock required and
// the region must not be installed in an allocator.
func (r *Region) MakeEmpty() {
	debug.Assert(!r.IsActiveAlloc(), "region: emptying installed %v", r)
	r.top.Store(r.base)
	r.updateWatermark.Store(r.base)
}

func (r *Region) String() string {
	return fmt.Sprintf("region#%d[%#x-%#x top=%#x %s]", r.index, r.base, r.end, r.Top(), r.Affiliation())
}
