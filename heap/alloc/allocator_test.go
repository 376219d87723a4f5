package alloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/regiongc/heap/lock"
	"github.com/joshuapare/regiongc/heap/region"
	"github.com/joshuapare/regiongc/internal/gcthread"
)

const testRegionWords = 4096

// fakeSource hands out regions in index order and records accounting calls.
type fakeSource struct {
	regions   []*region.Region
	available []bool

	used       [NumPartitions]int64
	counts     [NumPartitions]int
	empty      [NumPartitions]int
	unretired  []int
	recomputes int
	humongous  uintptr
}

func newFakeSource(n int) *fakeSource {
	s := &fakeSource{available: make([]bool, n)}
	for i := range n {
		s.regions = append(s.regions, region.New(i, uintptr(0x10000+i*testRegionWords*region.WordSize), testRegionWords))
		s.available[i] = true
	}
	return s
}

func (s *fakeSource) ReserveNewRegion(p Partition, minBytes uint64) *region.Region {
	for i, r := range s.regions {
		if s.available[i] && r.FreeBytes() >= minBytes {
			s.available[i] = false
			s.used[p] += int64(r.FreeBytes())
			return r
		}
	}
	return nil
}

func (s *fakeSource) AllocateContiguous(req *Request) uintptr { return s.humongous }

func (s *fakeSource) UnretireToPartition(r *region.Region, p Partition) {
	s.available[r.Index()] = true
	s.unretired = append(s.unretired, r.Index())
}

func (s *fakeSource) DecreaseUsed(p Partition, bytes uint64)       { s.used[p] -= int64(bytes) }
func (s *fakeSource) IncreaseRegionCounts(p Partition, n int)      { s.counts[p] += n }
func (s *fakeSource) IncreaseEmptyRegionCounts(p Partition, n int) { s.empty[p] += n }
func (s *fakeSource) RecomputeTotals(p Partition)                  { s.recomputes++ }

type pausedState bool

func (p pausedState) AtSafepoint() bool { return bool(p) }

func newTestAllocator(src FreeRegionSource) *Allocator {
	return NewMutator(src, lock.New(), Config{RegionSizeWords: testRegionWords})
}

func TestAllocator_Scenario(t *testing.T) {
	src := newFakeSource(4)
	a := newTestAllocator(src)
	mut := gcthread.NewMutator("m")

	steps := []struct {
		name    string
		size    uint64
		region  int
		offset  uint64
		inNew   bool
		retains int // -1 for none
	}{
		{"first object opens region 0", 100, 0, 0, true, -1},
		{"large object opens region 1 and retains region 0", 4000, 1, 0, true, 0},
		{"small object fills retained region 0", 200, 0, 100, false, 0},
	}

	for _, step := range steps {
		addr, inNew := a.Allocate(mut, NewShared(step.size))
		require.NotZero(t, addr, step.name)

		r := src.regions[step.region]
		assert.True(t, r.Contains(addr), step.name)
		assert.Equal(t, step.offset, r.OffsetWords(addr), step.name)
		assert.Equal(t, step.inNew, inNew, step.name)

		if step.retains < 0 {
			assert.Nil(t, a.Retained(), step.name)
		} else {
			assert.Same(t, src.regions[step.retains], a.Retained(), step.name)
		}
	}
	assert.Same(t, src.regions[1], a.Active())
	assert.Empty(t, src.unretired)
}

func TestAllocator_KeepsLargerLeftover(t *testing.T) {
	src := newFakeSource(4)
	a := newTestAllocator(src)
	mut := gcthread.NewMutator("m")

	// region0: 3000 used, 1096 left.
	_, _ = a.Allocate(mut, NewShared(3000))
	// region1: 1499 left. region0 retained.
	_, _ = a.Allocate(mut, NewShared(2597))
	require.Same(t, src.regions[1], a.Active())
	require.Same(t, src.regions[0], a.Retained())

	// Nothing fits: region2 becomes active. Old active region1 has the
	// larger leftover, so it replaces region0 which goes back.
	addr, inNew := a.Allocate(mut, NewShared(3500))
	require.NotZero(t, addr)
	assert.True(t, inNew)
	assert.Same(t, src.regions[2], a.Active())
	assert.Same(t, src.regions[1], a.Retained())
	assert.Equal(t, []int{0}, src.unretired)
	assert.False(t, src.regions[0].IsActiveAlloc())
	assert.Equal(t, 1, src.counts[Mutator])
	assert.EqualValues(t, 1, a.Stats().Returned)
}

func TestAllocator_OldActiveWithSmallerLeftoverIsReturned(t *testing.T) {
	src := newFakeSource(4)
	a := newTestAllocator(src)
	mut := gcthread.NewMutator("m")

	_, _ = a.Allocate(mut, NewShared(100))  // region0, 3996 left
	_, _ = a.Allocate(mut, NewShared(4000)) // region1, 96 left, region0 retained
	_, _ = a.Allocate(mut, NewShared(3900)) // retained region0, 96 left

	// Both installed regions have 96 words left: region2 replaces region1
	// as active, and region1 (96 left) does not beat retained region0 (96).
	_, _ = a.Allocate(mut, NewShared(1000))
	assert.Same(t, src.regions[2], a.Active())
	assert.Same(t, src.regions[0], a.Retained())
	assert.Equal(t, []int{1}, src.unretired)
}

func TestAllocator_DropsExhaustedRegions(t *testing.T) {
	src := newFakeSource(4)
	a := newTestAllocator(src)
	mut := gcthread.NewMutator("m")

	_, _ = a.Allocate(mut, NewShared(4090)) // 6 left, below the minimum
	assert.Nil(t, a.Active(), "region with no usable leftover is not installed")
	assert.False(t, src.regions[0].IsActiveAlloc())

	_, _ = a.Allocate(mut, NewShared(100))
	require.Same(t, src.regions[1], a.Active())
	_, _ = a.Allocate(mut, NewShared(3990)) // region1 exactly 6 left
	_, _ = a.Allocate(mut, NewShared(100))  // region2
	assert.Same(t, src.regions[2], a.Active())
	assert.Nil(t, a.Retained())
	assert.False(t, src.regions[1].IsActiveAlloc())
	assert.Empty(t, src.unretired)
}

func TestAllocator_LAB(t *testing.T) {
	src := newFakeSource(2)
	a := newTestAllocator(src)
	mut := gcthread.NewMutator("m")

	_, _ = a.Allocate(mut, NewShared(3000))

	req := NewTLAB(2000, 500)
	addr, inNew := a.Allocate(mut, req)
	require.NotZero(t, addr)
	assert.False(t, inNew)
	assert.EqualValues(t, 1096, req.ActualSizeWords, "LAB shrinks to what is left")
	assert.True(t, src.regions[0].Contains(addr))

	req = NewTLAB(2000, 500)
	addr, inNew = a.Allocate(mut, req)
	require.NotZero(t, addr)
	assert.True(t, inNew)
	assert.EqualValues(t, 2000, req.ActualSizeWords)
	assert.True(t, src.regions[1].Contains(addr))
}

func TestAllocator_GCAdvancesWatermark(t *testing.T) {
	src := newFakeSource(1)
	a := NewCollector(src, lock.New(), Config{RegionSizeWords: testRegionWords})
	w := gcthread.NewWorker("w")

	req := NewSharedGC(64, region.Young)
	addr, _ := a.Allocate(w, req)
	require.NotZero(t, addr)
	assert.Equal(t, addr+64*region.WordSize, src.regions[0].UpdateWatermark())
}

func TestAllocator_Humongous(t *testing.T) {
	src := newFakeSource(1)
	src.humongous = 0xdead000
	a := newTestAllocator(src)
	mut := gcthread.NewMutator("m")

	req := NewShared(testRegionWords + 1)
	addr, inNew := a.Allocate(mut, req)
	assert.Equal(t, uintptr(0xdead000), addr)
	assert.True(t, inNew)
	assert.EqualValues(t, testRegionWords+1, req.ActualSizeWords)
	assert.EqualValues(t, 1, a.Stats().Humongous)

	src.humongous = 0
	addr, _ = a.Allocate(mut, NewShared(testRegionWords*3))
	assert.Zero(t, addr)
	assert.EqualValues(t, 1, a.Stats().Failures)
}

func TestAllocator_FailureLeavesRequestUntouched(t *testing.T) {
	src := newFakeSource(1)
	a := newTestAllocator(src)
	mut := gcthread.NewMutator("m")

	_, _ = a.Allocate(mut, NewShared(4000))
	req := NewShared(200)
	addr, inNew := a.Allocate(mut, req)
	assert.Zero(t, addr)
	assert.False(t, inNew)
	assert.Zero(t, req.ActualSizeWords)
	assert.EqualValues(t, 1, a.Stats().Failures)
}

func TestAllocator_ConcurrentAllocationsAreDisjoint(t *testing.T) {
	src := newFakeSource(64)
	a := newTestAllocator(src)

	const goroutines, perG = 8, 200
	results := make([][]uintptr, goroutines)
	var wg sync.WaitGroup
	for g := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mut := gcthread.NewMutator("m")
			for range perG {
				if addr, _ := a.Allocate(mut, NewShared(16)); addr != 0 {
					results[g] = append(results[g], addr)
				}
			}
		}()
	}
	wg.Wait()

	seen := make(map[uintptr]bool)
	for _, rs := range results {
		require.Len(t, rs, perG)
		for _, addr := range rs {
			require.False(t, seen[addr], "address %#x handed out twice", addr)
			seen[addr] = true
		}
	}
}

func TestAllocator_ReleaseAllRegions(t *testing.T) {
	src := newFakeSource(4)
	heapLock := lock.New(lock.WithOwnerTracking())
	a := NewMutator(src, heapLock, Config{RegionSizeWords: testRegionWords, Pause: pausedState(true)})
	mut := gcthread.NewMutator("m")
	ctl := gcthread.New(gcthread.Control, "control")

	_, _ = a.Allocate(mut, NewShared(100))
	_, _ = a.Allocate(mut, NewShared(4000))
	require.NotNil(t, a.Retained())

	heapLock.Lock(ctl, false)
	a.ReleaseAllRegions(ctl)
	heapLock.Unlock(ctl)

	assert.Nil(t, a.Active())
	assert.Nil(t, a.Retained())
	// region0 has 3996 left and goes back; region1 has 96 left and goes back.
	assert.ElementsMatch(t, []int{0, 1}, src.unretired)
	assert.Zero(t, src.empty[Mutator])
	for _, r := range src.regions {
		assert.False(t, r.IsActiveAlloc())
	}
}

func TestAllocator_ReleaseAllRegionsRequiresHeapLock(t *testing.T) {
	a := NewMutator(newFakeSource(1), lock.New(lock.WithOwnerTracking()), Config{RegionSizeWords: testRegionWords})
	assert.Panics(t, func() { a.ReleaseAllRegions(gcthread.New(gcthread.Control, "control")) })
}

func TestAllocator_ReleaseAllRegionsIsANoOpWhenEmpty(t *testing.T) {
	src := newFakeSource(1)
	heapLock := lock.New(lock.WithOwnerTracking())
	a := NewMutator(src, heapLock, Config{RegionSizeWords: testRegionWords})
	ctl := gcthread.New(gcthread.Control, "control")

	lock.Locked(heapLock, ctl, false, func() { a.ReleaseAllRegions(ctl) })
	assert.Empty(t, src.unretired)
	assert.Equal(t, 1, src.recomputes)
}

func TestAllocator_GivenBackRegionRejectsStaleAllocation(t *testing.T) {
	src := newFakeSource(4)
	a := newTestAllocator(src)
	mut := gcthread.NewMutator("m")

	_, _ = a.Allocate(mut, NewShared(3000))
	stale := a.Active()
	_, _ = a.Allocate(mut, NewShared(2597))
	_, _ = a.Allocate(mut, NewShared(3500))
	require.Equal(t, []int{0}, src.unretired, "region0 was given back")

	top := stale.Top()
	used := src.used[Mutator]
	addr, _ := a.allocateIn(stale, NewShared(500))
	assert.Zero(t, addr, "a stale pointer must not bump a given-back region")
	assert.Equal(t, top, stale.Top())
	assert.Equal(t, used, src.used[Mutator])
}
