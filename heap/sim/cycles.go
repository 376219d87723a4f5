package sim

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/joshuapare/regiongc/heap/control"
	"github.com/joshuapare/regiongc/internal/gcthread"
)

// Stats totals the work done by all cycles.
type Stats struct {
	ReclaimedRegions uint64
	MovedObjects     uint64
	FailedEvacs      uint64
	Surges           uint64
}

// Cycles implements control.Cycles over an Env.
type Cycles struct {
	env    *Env
	thread *gcthread.Thread

	reclaimed, moved, failedEvacs, surges atomic.Uint64
}

var _ control.Cycles = (*Cycles)(nil)

// NewCycles returns cycle factories for env. Cycles run one at a time on
// the control loop's goroutine.
func NewCycles(env *Env) *Cycles {
	return &Cycles{env: env, thread: gcthread.NewWorker("gc-worker")}
}

// Thread returns the worker identity cycles use for the heap lock.
func (cs *Cycles) Thread() *gcthread.Thread { return cs.thread }

// Stats returns the accumulated totals.
func (cs *Cycles) Stats() Stats {
	return Stats{
		ReclaimedRegions: cs.reclaimed.Load(),
		MovedObjects:     cs.moved.Load(),
		FailedEvacs:      cs.failedEvacs.Load(),
		Surges:           cs.surges.Load(),
	}
}

func (cs *Cycles) record(c *collection) {
	cs.reclaimed.Add(uint64(c.reclaimed))
	cs.moved.Add(uint64(c.moved))
	if c.evacFailed {
		cs.failedEvacs.Add(1)
	}
}

func (cs *Cycles) Concurrent() control.ConcurrentCycle {
	return &concurrentCycle{cs: cs, point: control.DegenOutsideCycle}
}

func (cs *Cycles) Degenerated(point control.DegenPoint) control.Cycle {
	return &degeneratedCycle{cs: cs, point: point}
}

func (cs *Cycles) Full() control.Cycle { return &fullCycle{cs: cs} }

type concurrentCycle struct {
	cs     *Cycles
	point  control.DegenPoint
	surged atomic.Bool
}

func (g *concurrentCycle) DegenPoint() control.DegenPoint { return g.point }

func (g *concurrentCycle) SurgeWorkers() {
	if !g.surged.Swap(true) {
		g.cs.surges.Add(1)
	}
}

// pace yields between batches of concurrent work unless mutators are
// stalled on allocation.
func (g *concurrentCycle) pace() {
	if !g.surged.Load() {
		runtime.Gosched()
	}
}

func (g *concurrentCycle) Collect(ctx context.Context, cause control.Cause) bool {
	env := g.cs.env
	c := newCollection(env, g.cs.thread)
	defer g.cs.record(c)
	log := env.log().With("cycle", "concurrent", "cause", cause)

	if ctx.Err() != nil {
		return false
	}

	env.stw(c.mark)
	g.point = control.DegenMark
	g.pace()
	if ctx.Err() != nil {
		return false
	}

	var garbage, cset int
	env.stw(func() {
		env.locked(c.thread, func() {
			c.releaseAll()
			c.live = env.Objects.Liveness(len(env.Regions))
			garbage = c.reclaimGarbage()
			cset = c.chooseCollectionSet(env.EvacGarbagePercent)
		})
	})
	log.Debug("final mark", "immediate_garbage", garbage, "cset", cset)
	if garbage > 0 && env.Control != nil {
		env.Control.WakeMutators()
	}

	g.point = control.DegenEvac
	if !c.evacuate(ctx, true) {
		return false
	}
	g.pace()

	g.point = control.DegenUpdateRefs
	if !c.updateRefs(ctx) {
		return false
	}

	env.stw(func() {
		env.locked(c.thread, func() {
			c.recycleCollectionSet()
			c.releaseCollectors()
		})
	})
	log.Debug("cycle done", "reclaimed", c.reclaimed, "moved", c.moved)
	return true
}

type degeneratedCycle struct {
	cs    *Cycles
	point control.DegenPoint
}

// Collect finishes the work in one pause. Whatever the degeneration point,
// liveness and the collection set are recomputed from scratch.
func (d *degeneratedCycle) Collect(ctx context.Context, cause control.Cause) bool {
	env := d.cs.env
	c := newCollection(env, d.cs.thread)
	defer d.cs.record(c)

	ok := true
	env.stw(func() {
		if ctx.Err() != nil {
			ok = false
			return
		}
		c.mark()
		env.locked(c.thread, func() {
			c.releaseAll()
			c.reclaimGarbage()
			c.chooseCollectionSet(env.EvacGarbagePercent)
		})
		ok = c.evacuate(ctx, false)
		c.updateRefs(ctx)
		env.locked(c.thread, func() {
			c.recycleCollectionSet()
			c.releaseCollectors()
		})
	})
	env.log().Debug("degenerated cycle done", "point", d.point, "cause", cause,
		"reclaimed", c.reclaimed, "moved", c.moved, "ok", ok)
	return ok
}

type fullCycle struct {
	cs *Cycles
}

// Collect reclaims garbage, compacts every region holding any, and
// redistributes free regions. It fails when the mutator partition is still
// empty afterwards.
func (f *fullCycle) Collect(ctx context.Context, cause control.Cause) bool {
	env := f.cs.env
	c := newCollection(env, f.cs.thread)
	defer f.cs.record(c)

	ok := true
	env.stw(func() {
		if ctx.Err() != nil {
			ok = false
			return
		}
		c.mark()
		env.locked(c.thread, func() {
			c.releaseAll()
			c.reclaimGarbage()
			c.chooseCollectionSet(0)
		})
		// Compaction stops at the first copy that finds no room.
		c.evacuate(ctx, false)
		c.updateRefs(ctx)
		env.locked(c.thread, func() {
			c.recycleCollectionSet()
			c.releaseCollectors()
			env.FreeSet.Rebuild()
		})
		ok = ctx.Err() == nil && env.FreeSet.Available() > 0
	})
	env.log().Debug("full cycle done", "cause", cause, "reclaimed", c.reclaimed, "moved", c.moved, "ok", ok)
	return ok
}
