package freeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/regiongc/heap/alloc"
	"github.com/joshuapare/regiongc/heap/lock"
	"github.com/joshuapare/regiongc/heap/region"
	"github.com/joshuapare/regiongc/internal/gcthread"
)

const (
	testRegionWords = 4096
	testRegionBytes = testRegionWords * region.WordSize
)

func newRegions(n int) []*region.Region {
	out := make([]*region.Region, n)
	for i := range out {
		out[i] = region.New(i, uintptr(0x100000+i*testRegionBytes), testRegionWords)
	}
	return out
}

func TestNew_DistributesReserves(t *testing.T) {
	fs := New(newRegions(10), nil, Config{CollectorReservePercent: 20, OldCollectorReservePercent: 10})
	stats := fs.Stats()

	assert.Equal(t, 7, stats[alloc.Mutator].Regions)
	assert.Equal(t, 2, stats[alloc.Collector].Regions)
	assert.Equal(t, 1, stats[alloc.OldCollector].Regions)
	assert.Equal(t, 7, stats[alloc.Mutator].EmptyRegions)
	assert.EqualValues(t, 7*testRegionBytes, fs.Available())
	assert.Zero(t, fs.Used())
	assert.EqualValues(t, 10*testRegionBytes, fs.Capacity())

	// Reserves come from the top of the heap.
	r := fs.ReserveNewRegion(alloc.OldCollector, 8)
	require.NotNil(t, r)
	assert.Equal(t, 9, r.Index())
	assert.Equal(t, region.Old, r.Affiliation())
}

func TestReserveNewRegion_RetiresRegion(t *testing.T) {
	fs := New(newRegions(4), nil, Config{})

	r := fs.ReserveNewRegion(alloc.Mutator, 100*region.WordSize)
	require.NotNil(t, r)
	assert.Equal(t, 0, r.Index())
	assert.Equal(t, region.Young, r.Affiliation())

	fs.RecomputeTotals(alloc.Mutator)
	st := fs.Stats()[alloc.Mutator]
	assert.Equal(t, 3, st.Regions)
	assert.Equal(t, 3, st.EmptyRegions)
	assert.EqualValues(t, testRegionBytes, st.UsedBytes, "retired region counts as full")
	assert.EqualValues(t, 3*testRegionBytes, fs.Available())
	assert.Equal(t, []*region.Region{r}, fs.Retired())
}

func TestReserveNewRegion_Exhausted(t *testing.T) {
	fs := New(newRegions(2), nil, Config{})
	require.NotNil(t, fs.ReserveNewRegion(alloc.Mutator, 8))
	require.NotNil(t, fs.ReserveNewRegion(alloc.Mutator, 8))
	assert.Nil(t, fs.ReserveNewRegion(alloc.Mutator, 8))
}

func TestReserveNewRegion_MutatorCannotTakeReserve(t *testing.T) {
	fs := New(newRegions(4), nil, Config{CollectorReservePercent: 50})
	require.NotNil(t, fs.ReserveNewRegion(alloc.Mutator, 8))
	require.NotNil(t, fs.ReserveNewRegion(alloc.Mutator, 8))
	assert.Nil(t, fs.ReserveNewRegion(alloc.Mutator, 8))
}

func TestReserveNewRegion_CollectorFlipsEmptyMutatorRegion(t *testing.T) {
	fs := New(newRegions(4), nil, Config{CollectorReservePercent: 25})

	first := fs.ReserveNewRegion(alloc.Collector, 8)
	require.NotNil(t, first)
	assert.Equal(t, 3, first.Index())

	second := fs.ReserveNewRegion(alloc.Collector, 8)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Index())
	assert.Equal(t, region.Young, second.Affiliation())

	stats := fs.Stats()
	assert.Equal(t, 0, stats[alloc.Collector].Regions)
	assert.Equal(t, 0, stats[alloc.Collector].EmptyRegions)
	assert.EqualValues(t, 2*testRegionBytes, stats[alloc.Collector].UsedBytes)
	assert.Equal(t, 2, stats[alloc.Mutator].Regions)
	assert.Equal(t, 2, stats[alloc.Mutator].EmptyRegions)
}

func TestAllocateContiguous(t *testing.T) {
	fs := New(newRegions(4), nil, Config{})
	regions := fs.regions

	addr := fs.AllocateContiguous(alloc.NewShared(2*testRegionWords + 1))
	require.Equal(t, regions[0].Base(), addr)
	assert.Zero(t, regions[0].FreeWords())
	assert.Zero(t, regions[1].FreeWords())
	assert.EqualValues(t, testRegionWords-1, regions[2].FreeWords())

	st := fs.Stats()[alloc.Mutator]
	assert.Equal(t, 1, st.Regions)
	assert.EqualValues(t, 3*testRegionBytes, st.UsedBytes)

	assert.Zero(t, fs.AllocateContiguous(alloc.NewShared(testRegionWords+1)), "one region left")
}

func TestAllocateContiguous_OldGC(t *testing.T) {
	fs := New(newRegions(4), nil, Config{OldCollectorReservePercent: 50})
	addr := fs.AllocateContiguous(alloc.NewSharedGC(testRegionWords+1, region.Old))
	require.Equal(t, fs.regions[2].Base(), addr)
	assert.Equal(t, region.Old, fs.regions[2].Affiliation())
	assert.Equal(t, region.Old, fs.regions[3].Affiliation())
}

func TestRecycle(t *testing.T) {
	fs := New(newRegions(4), nil, Config{})
	require.NotZero(t, fs.AllocateContiguous(alloc.NewShared(3*testRegionWords)))
	r := fs.regions[1]

	fs.Recycle(r)
	assert.True(t, r.IsEmpty())
	assert.Equal(t, region.Free, r.Affiliation())

	st := fs.Stats()[alloc.Mutator]
	assert.Equal(t, 2, st.Regions)
	assert.Equal(t, 2, st.EmptyRegions)
	assert.EqualValues(t, 2*testRegionBytes, st.UsedBytes)
	assert.EqualValues(t, 2*testRegionBytes, fs.Available())
	assert.Len(t, fs.Retired(), 2)
}

func TestRebuild_KeepsInstalledRegionsRetired(t *testing.T) {
	fs := New(newRegions(3), nil, Config{})
	r := fs.ReserveNewRegion(alloc.Mutator, 8)
	r.SetActiveAlloc()
	_, ok := r.AllocateAtomic(10)
	require.True(t, ok)

	partial := fs.ReserveNewRegion(alloc.Mutator, 8)
	_, ok = partial.AllocateAtomic(100)
	require.True(t, ok)

	fs.Rebuild()
	st := fs.Stats()[alloc.Mutator]
	assert.Equal(t, 2, st.Regions, "partial region is available again")
	assert.Equal(t, 1, st.EmptyRegions)
	assert.EqualValues(t, testRegionBytes+100*region.WordSize, st.UsedBytes)
	assert.Empty(t, fs.Retired(), "installed region is not listed as retired")
}

func TestFreeSet_WithAllocator(t *testing.T) {
	heapLock := lock.New(lock.WithOwnerTracking())
	fs := New(newRegions(4), heapLock, Config{})
	a := alloc.NewMutator(fs, heapLock, alloc.Config{RegionSizeWords: testRegionWords})
	mut := gcthread.NewMutator("m")
	ctl := gcthread.New(gcthread.Control, "control")

	addr, inNew := a.Allocate(mut, alloc.NewShared(100))
	require.NotZero(t, addr)
	assert.True(t, inNew)
	assert.EqualValues(t, testRegionBytes, fs.Used())
	assert.EqualValues(t, 3*testRegionBytes, fs.Available())

	lock.Locked(heapLock, ctl, false, func() {
		a.ReleaseAllRegions(ctl)
		st := fs.Stats()[alloc.Mutator]
		assert.Equal(t, 4, st.Regions)
		assert.Equal(t, 3, st.EmptyRegions)
		assert.EqualValues(t, 100*region.WordSize, st.UsedBytes)
	})
	assert.EqualValues(t, 4*testRegionBytes-100*region.WordSize, fs.Available())

	// The partially used region is handed out again first.
	addr, inNew = a.Allocate(mut, alloc.NewShared(8))
	assert.Equal(t, fs.regions[0].Base()+100*region.WordSize, addr)
	assert.False(t, inNew)
}
