package alloc

import (
	"fmt"

	"github.com/joshuapare/regiongc/heap/region"
)

// Partition identifies which allocator a region serves.
type Partition uint8

const (
	Mutator Partition = iota
	Collector
	OldCollector
	NumPartitions
)

func (p Partition) String() string {
	switch p {
	case Mutator:
		return "mutator"
	case Collector:
		return "collector"
	case OldCollector:
		return "old-collector"
	default:
		return fmt.Sprintf("Partition(%d)", uint8(p))
	}
}

// Type is the kind of allocation request.
type Type uint8

const (
	// Shared is a single mutator object.
	Shared Type = iota
	// TLAB is a mutator thread-local allocation buffer.
	TLAB
	// SharedGC is a single object copied by the collector.
	SharedGC
	// PLAB is a collector promotion/copy buffer.
	PLAB
)

func (t Type) String() string {
	switch t {
	case Shared:
		return "shared"
	case TLAB:
		return "tlab"
	case SharedGC:
		return "shared-gc"
	case PLAB:
		return "plab"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Request describes one allocation. Size it before calling Allocate;
// ActualSizeWords is only set on success.
type Request struct {
	SizeWords    uint64
	MinSizeWords uint64 // LAB requests accept anything down to this
	Type         Type
	Affiliation  region.Affiliation // generation for GC requests

	ActualSizeWords uint64
}

// NewShared returns a mutator object request.
func NewShared(sizeWords uint64) *Request {
	return &Request{SizeWords: sizeWords, Type: Shared, Affiliation: region.Young}
}

// NewTLAB returns a mutator TLAB request.
func NewTLAB(sizeWords, minSizeWords uint64) *Request {
	return &Request{SizeWords: sizeWords, MinSizeWords: minSizeWords, Type: TLAB, Affiliation: region.Young}
}

// NewSharedGC returns a collector object request in generation aff.
func NewSharedGC(sizeWords uint64, aff region.Affiliation) *Request {
	return &Request{SizeWords: sizeWords, Type: SharedGC, Affiliation: aff}
}

// NewPLAB returns a collector buffer request in generation aff.
func NewPLAB(sizeWords, minSizeWords uint64, aff region.Affiliation) *Request {
	return &Request{SizeWords: sizeWords, MinSizeWords: minSizeWords, Type: PLAB, Affiliation: aff}
}

func (r *Request) IsMutatorAlloc() bool { return r.Type == Shared || r.Type == TLAB }
func (r *Request) IsGCAlloc() bool      { return r.Type == SharedGC || r.Type == PLAB }
func (r *Request) IsLABAlloc() bool     { return r.Type == TLAB || r.Type == PLAB }

// IsHumongous reports whether the request needs more than one region.
func (r *Request) IsHumongous(regionSizeWords uint64) bool {
	return r.SizeWords > regionSizeWords
}

// minViableWords is the smallest amount that satisfies the request.
func (r *Request) minViableWords() uint64 {
	if r.IsLABAlloc() {
		return r.MinSizeWords
	}
	return r.SizeWords
}

func (r *Request) String() string {
	return fmt.Sprintf("%s(%d words, min %d, %s)", r.Type, r.SizeWords, r.MinSizeWords, r.Affiliation)
}

// FreeRegionSource hands out and takes back regions for a partition and
// keeps the partition accounting. Every method is called with the heap lock
// held.
type FreeRegionSource interface {
	// ReserveNewRegion removes a region with at least minBytes free from p
	// and counts it as fully used. Returns nil when none is available.
	ReserveNewRegion(p Partition, minBytes uint64) *region.Region

	// AllocateContiguous serves a humongous request. Returns 0 on failure.
	AllocateContiguous(req *Request) uintptr

	// UnretireToPartition makes r available in p again.
	UnretireToPartition(r *region.Region, p Partition)

	DecreaseUsed(p Partition, bytes uint64)
	IncreaseRegionCounts(p Partition, n int)
	IncreaseEmptyRegionCounts(p Partition, n int)

	// RecomputeTotals refreshes aggregate totals after p's counters changed.
	RecomputeTotals(p Partition)
}

// PauseState reports whether the system is paused.
type PauseState interface {
	AtSafepoint() bool
}
