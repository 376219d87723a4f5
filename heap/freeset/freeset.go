// Package freeset is the heap's free-region pool and partition accounting.
//
// Regions belong to at most one partition's available set at a time.
// Reserving a region for an allocator retires it: it leaves the available
// set and counts as fully used until the allocator hands it back. Every
// mutating method requires the heap lock.
package freeset

import (
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/regiongc/heap/alloc"
	"github.com/joshuapare/regiongc/heap/lock"
	"github.com/joshuapare/regiongc/heap/region"
	"github.com/joshuapare/regiongc/internal/debug"
)

const notFree int8 = -1

// Config controls the initial distribution of empty regions.
type Config struct {
	// CollectorReservePercent of the regions is reserved for evacuation.
	CollectorReservePercent int
	// OldCollectorReservePercent of the regions is reserved for promotion.
	OldCollectorReservePercent int
}

type partition struct {
	used    uint64 // bytes, retired regions count as full
	regions int    // regions in the available set
	empty   int    // empty regions in the available set

	availableBytes atomic.Uint64
	usedSnapshot   atomic.Uint64
}

// FreeSet implements alloc.FreeRegionSource.
type FreeSet struct {
	regions     []*region.Region
	regionBytes uint64
	heapLock    *lock.Lock
	cfg         Config

	// membership is the partition whose available set holds the region,
	// or notFree.
	membership []int8
	// retiredFrom is the partition whose used bytes include a retired region.
	retiredFrom []int8

	parts [alloc.NumPartitions]partition

	totalUsed atomic.Uint64
}

var _ alloc.FreeRegionSource = (*FreeSet)(nil)

// New builds a free set over regions, all of which must be empty. Regions
// are distributed between partitions by Rebuild.
func New(regions []*region.Region, heapLock *lock.Lock, cfg Config) *FreeSet {
	fs := &FreeSet{
		regions:     regions,
		heapLock:    heapLock,
		cfg:         cfg,
		membership:  make([]int8, len(regions)),
		retiredFrom: make([]int8, len(regions)),
	}
	if len(regions) > 0 {
		fs.regionBytes = regions[0].SizeBytes()
	}
	fs.Rebuild()
	return fs
}

func (fs *FreeSet) assertLocked() {
	if fs.heapLock != nil {
		debug.Assert(fs.heapLock.IsLocked(), "freeset: heap lock must be held")
	}
}

// Rebuild recomputes membership and accounting from region state. Regions
// installed in an allocator stay retired. Empty regions fill the collector
// reserves from the top of the heap, everything else serves mutators.
func (fs *FreeSet) Rebuild() {
	for i := range fs.parts {
		fs.parts[i].used = 0
		fs.parts[i].regions = 0
		fs.parts[i].empty = 0
	}

	n := len(fs.regions)
	oldReserve := n * fs.cfg.OldCollectorReservePercent / 100
	reserve := n * fs.cfg.CollectorReservePercent / 100

	for i := n - 1; i >= 0; i-- {
		r := fs.regions[i]
		fs.membership[i] = notFree
		fs.retiredFrom[i] = notFree

		switch {
		case r.IsActiveAlloc():
			p := alloc.Mutator
			if r.Affiliation() == region.Old {
				p = alloc.OldCollector
			}
			fs.retiredFrom[i] = int8(p)
			fs.parts[p].used += r.SizeBytes()
		case r.IsEmpty() && oldReserve > 0:
			oldReserve--
			fs.addAvailable(r, alloc.OldCollector)
		case r.IsEmpty() && reserve > 0:
			reserve--
			fs.addAvailable(r, alloc.Collector)
		case r.FreeBytes() == 0:
			p := alloc.Mutator
			if r.Affiliation() == region.Old {
				p = alloc.OldCollector
			}
			fs.retiredFrom[i] = int8(p)
			fs.parts[p].used += r.SizeBytes()
		case r.Affiliation() == region.Old:
			fs.addAvailable(r, alloc.OldCollector)
		default:
			fs.addAvailable(r, alloc.Mutator)
		}
	}
	for p := range alloc.NumPartitions {
		fs.RecomputeTotals(p)
	}
}

func (fs *FreeSet) addAvailable(r *region.Region, p alloc.Partition) {
	fs.membership[r.Index()] = int8(p)
	fs.parts[p].regions++
	fs.parts[p].used += r.UsedBytes()
	if r.IsEmpty() {
		fs.parts[p].empty++
		r.SetAffiliation(region.Free)
	}
}

// ReserveNewRegion implements alloc.FreeRegionSource. Collector partitions
// that run dry take empty regions from the mutator partition.
func (fs *FreeSet) ReserveNewRegion(p alloc.Partition, minBytes uint64) *region.Region {
	fs.assertLocked()

	r := fs.findAvailable(p, minBytes)
	if r == nil && p != alloc.Mutator {
		if r = fs.findEmpty(alloc.Mutator); r != nil {
			fs.flip(r, alloc.Mutator, p)
		}
	}
	if r == nil {
		return nil
	}

	part := &fs.parts[p]
	if r.IsEmpty() {
		part.empty--
		if p == alloc.OldCollector {
			r.SetAffiliation(region.Old)
		} else {
			r.SetAffiliation(region.Young)
		}
	}
	part.regions--
	part.used += r.FreeBytes()
	fs.membership[r.Index()] = notFree
	fs.retiredFrom[r.Index()] = int8(p)
	return r
}

func (fs *FreeSet) findAvailable(p alloc.Partition, minBytes uint64) *region.Region {
	for i, m := range fs.membership {
		if m == int8(p) && fs.regions[i].FreeBytes() >= minBytes {
			return fs.regions[i]
		}
	}
	return nil
}

func (fs *FreeSet) findEmpty(p alloc.Partition) *region.Region {
	for i := len(fs.membership) - 1; i >= 0; i-- {
		if fs.membership[i] == int8(p) && fs.regions[i].IsEmpty() {
			return fs.regions[i]
		}
	}
	return nil
}

func (fs *FreeSet) flip(r *region.Region, from, to alloc.Partition) {
	fs.parts[from].regions--
	fs.parts[from].empty--
	fs.parts[to].regions++
	fs.parts[to].empty++
	fs.membership[r.Index()] = int8(to)
	fs.RecomputeTotals(from)
}

// AllocateContiguous implements alloc.FreeRegionSource by claiming a run of
// empty regions. Every region of the run counts as fully used.
func (fs *FreeSet) AllocateContiguous(req *alloc.Request) uintptr {
	fs.assertLocked()
	if fs.regionBytes == 0 {
		return 0
	}

	p := alloc.Mutator
	aff := region.Young
	if req.IsGCAlloc() {
		p = alloc.Collector
		if req.Affiliation == region.Old {
			p, aff = alloc.OldCollector, region.Old
		}
	}

	regionWords := fs.regionBytes / region.WordSize
	need := int((req.SizeWords + regionWords - 1) / regionWords)
	start := fs.findEmptyRun(p, need)
	if start < 0 {
		return 0
	}

	remaining := req.SizeWords
	for i := start; i < start+need; i++ {
		r := fs.regions[i]
		words := min(remaining, regionWords)
		_, ok := r.AllocateAtomic(words)
		debug.Assert(ok, "freeset: humongous piece did not fit in empty %v", r)
		remaining -= words

		r.SetAffiliation(aff)
		fs.parts[p].regions--
		fs.parts[p].empty--
		fs.parts[p].used += r.SizeBytes()
		fs.membership[i] = notFree
		fs.retiredFrom[i] = int8(p)
	}
	fs.RecomputeTotals(p)
	return fs.regions[start].Base()
}

func (fs *FreeSet) findEmptyRun(p alloc.Partition, need int) int {
	run := 0
	for i, m := range fs.membership {
		if m == int8(p) && fs.regions[i].IsEmpty() {
			run++
			if run == need {
				return i - need + 1
			}
		} else {
			run = 0
		}
	}
	return -1
}

// UnretireToPartition implements alloc.FreeRegionSource.
func (fs *FreeSet) UnretireToPartition(r *region.Region, p alloc.Partition) {
	fs.assertLocked()
	debug.Assert(fs.membership[r.Index()] == notFree, "freeset: %v is not retired", r)
	fs.membership[r.Index()] = int8(p)
	fs.retiredFrom[r.Index()] = notFree
}

// DecreaseUsed implements alloc.FreeRegionSource.
func (fs *FreeSet) DecreaseUsed(p alloc.Partition, bytes uint64) {
	fs.assertLocked()
	debug.Assert(fs.parts[p].used >= bytes, "freeset: %s used underflow (%d < %d)", p, fs.parts[p].used, bytes)
	fs.parts[p].used -= bytes
}

// IncreaseRegionCounts implements alloc.FreeRegionSource.
func (fs *FreeSet) IncreaseRegionCounts(p alloc.Partition, n int) {
	fs.assertLocked()
	fs.parts[p].regions += n
}

// IncreaseEmptyRegionCounts implements alloc.FreeRegionSource.
func (fs *FreeSet) IncreaseEmptyRegionCounts(p alloc.Partition, n int) {
	fs.assertLocked()
	fs.parts[p].empty += n
}

// RecomputeTotals implements alloc.FreeRegionSource.
func (fs *FreeSet) RecomputeTotals(p alloc.Partition) {
	var avail uint64
	for i, m := range fs.membership {
		if m == int8(p) {
			avail += fs.regions[i].FreeBytes()
		}
	}
	fs.parts[p].availableBytes.Store(avail)
	fs.parts[p].usedSnapshot.Store(fs.parts[p].used)

	var total uint64
	for i := range fs.parts {
		total += fs.parts[i].usedSnapshot.Load()
	}
	fs.totalUsed.Store(total)
}

// Recycle returns a fully reclaimed region to the mutator partition as an
// empty region. The region must not be installed in an allocator.
func (fs *FreeSet) Recycle(r *region.Region) {
	fs.assertLocked()
	debug.Assert(!r.IsActiveAlloc(), "freeset: recycling installed %v", r)

	idx := r.Index()
	switch {
	case fs.retiredFrom[idx] != notFree:
		p := alloc.Partition(fs.retiredFrom[idx])
		fs.parts[p].used -= min(fs.parts[p].used, r.SizeBytes())
		fs.retiredFrom[idx] = notFree
		fs.RecomputeTotals(p)
	case fs.membership[idx] != notFree:
		p := alloc.Partition(fs.membership[idx])
		fs.parts[p].used -= min(fs.parts[p].used, r.UsedBytes())
		fs.parts[p].regions--
		if r.IsEmpty() {
			fs.parts[p].empty--
		}
		fs.membership[idx] = notFree
		fs.RecomputeTotals(p)
	}

	r.MakeEmpty()
	r.SetAffiliation(region.Free)
	fs.membership[idx] = int8(alloc.Mutator)
	fs.parts[alloc.Mutator].regions++
	fs.parts[alloc.Mutator].empty++
	fs.RecomputeTotals(alloc.Mutator)
}

// Retired returns the regions that are neither available nor installed.
func (fs *FreeSet) Retired() []*region.Region {
	var out []*region.Region
	for i, r := range fs.regions {
		if fs.retiredFrom[i] != notFree && !r.IsActiveAlloc() {
			out = append(out, r)
		}
	}
	return out
}

// PartitionStats is a snapshot of one partition.
type PartitionStats struct {
	Partition      alloc.Partition
	UsedBytes      uint64
	AvailableBytes uint64
	Regions        int
	EmptyRegions   int
}

func (s PartitionStats) String() string {
	return fmt.Sprintf("%s: used=%d available=%d regions=%d empty=%d",
		s.Partition, s.UsedBytes, s.AvailableBytes, s.Regions, s.EmptyRegions)
}

// Stats returns per-partition accounting. Heap lock required.
func (fs *FreeSet) Stats() [alloc.NumPartitions]PartitionStats {
	fs.assertLocked()
	var out [alloc.NumPartitions]PartitionStats
	for p := range alloc.NumPartitions {
		part := &fs.parts[p]
		out[p] = PartitionStats{
			Partition:      p,
			UsedBytes:      part.used,
			AvailableBytes: part.availableBytes.Load(),
			Regions:        part.regions,
			EmptyRegions:   part.empty,
		}
	}
	return out
}

// Available returns the mutator partition's free bytes as of the last
// recompute. Safe without the heap lock.
func (fs *FreeSet) Available() uint64 {
	return fs.parts[alloc.Mutator].availableBytes.Load()
}

// Used returns total used bytes as of the last recompute. Safe without the
// heap lock.
func (fs *FreeSet) Used() uint64 { return fs.totalUsed.Load() }

// Capacity returns the size of the heap in bytes.
func (fs *FreeSet) Capacity() uint64 { return uint64(len(fs.regions)) * fs.regionBytes }

// RegionBytes returns the size of one region.
func (fs *FreeSet) RegionBytes() uint64 { return fs.regionBytes }
