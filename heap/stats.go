package heap

import (
	"github.com/joshuapare/regiongc/heap/alloc"
	"github.com/joshuapare/regiongc/heap/control"
	"github.com/joshuapare/regiongc/heap/freeset"
	"github.com/joshuapare/regiongc/heap/heuristics"
	"github.com/joshuapare/regiongc/heap/lock"
	"github.com/joshuapare/regiongc/heap/sim"
	"github.com/joshuapare/regiongc/internal/gcthread"
)

// Stats is a point-in-time view of the heap.
type Stats struct {
	CapacityBytes  uint64
	UsedBytes      uint64
	AvailableBytes uint64
	UsedAtLastGC   uint64

	LiveObjects    int
	LiveWords      uint64
	Allocations    uint64
	AllocatedWords uint64
	OOMs           uint64

	Pauses uint64
	// ClassUnloading is the class-unloading decision for the current cycle.
	ClassUnloading bool

	Partitions   [alloc.NumPartitions]freeset.PartitionStats
	Mutator      alloc.Stats
	Collector    alloc.Stats
	OldCollector alloc.Stats
	Control      control.Stats
	Heuristics   heuristics.Stats
	Cycles       sim.Stats
}

// Stats collects a snapshot. It briefly takes the heap lock.
func (h *Heap) Stats() Stats {
	s := Stats{
		CapacityBytes:  h.freeSet.Capacity(),
		UsedBytes:      h.freeSet.Used(),
		AvailableBytes: h.freeSet.Available(),
		UsedAtLastGC:   h.usedAtGC.Load(),
		LiveObjects:    h.objects.Len(),
		LiveWords:      h.objects.LiveWords(),
		Allocations:    h.allocationCalls.Load(),
		AllocatedWords: h.allocatedWords.Load(),
		OOMs:           h.oomAllocations.Load(),
		Pauses:         h.sp.Pauses(),
		ClassUnloading: h.unloadClasses.Load(),
		Mutator:        h.mutator.Stats(),
		Collector:      h.collector.Stats(),
		OldCollector:   h.oldCollector.Stats(),
		Control:        h.ctrl.Stats(),
		Heuristics:     h.heuristics.Stats(),
		Cycles:         h.cycles.Stats(),
	}
	lock.Locked(h.heapLock, gcthread.NewWorker("stats"), false, func() {
		s.Partitions = h.freeSet.Stats()
	})
	return s
}
