package sim

import (
	"context"

	"github.com/joshuapare/regiongc/heap/alloc"
	"github.com/joshuapare/regiongc/heap/region"
	"github.com/joshuapare/regiongc/internal/gcthread"
)

// collection is the state one cycle carries between its phases.
type collection struct {
	env    *Env
	thread *gcthread.Thread

	live []RegionLiveness
	cset []bool

	reclaimed  int // regions
	moved      int // objects
	evacFailed bool
}

func newCollection(env *Env, t *gcthread.Thread) *collection {
	return &collection{env: env, thread: t}
}

// releaseAll retires every installed region. Pause and heap lock required.
func (c *collection) releaseAll() {
	for _, a := range c.env.allocators() {
		a.ReleaseAllRegions(c.thread)
	}
}

func (c *collection) releaseCollectors() {
	c.env.Collector.ReleaseAllRegions(c.thread)
	c.env.OldCollector.ReleaseAllRegions(c.thread)
}

func (c *collection) mark() {
	c.live = c.env.Objects.Mark(len(c.env.Regions))
}

// reclaimGarbage recycles every used region without live objects. Pause
// and heap lock required.
func (c *collection) reclaimGarbage() int {
	n := 0
	for i, r := range c.env.Regions {
		if r.IsEmpty() || r.IsActiveAlloc() || c.live[i].Objects > 0 {
			continue
		}
		c.recycle(r)
		n++
	}
	return n
}

func (c *collection) recycle(r *region.Region) {
	if c.env.OnRecycle != nil {
		c.env.OnRecycle(r)
	}
	c.env.FreeSet.Recycle(r)
	c.reclaimed++
}

// chooseCollectionSet picks retired regions whose garbage share reaches
// garbagePercent. Regions holding humongous objects are never moved.
// Pause and heap lock required.
func (c *collection) chooseCollectionSet(garbagePercent int) int {
	c.cset = make([]bool, len(c.env.Regions))
	n := 0
	for _, r := range c.env.FreeSet.Retired() {
		l := c.live[r.Index()]
		if l.Humongous || l.Objects == 0 {
			continue
		}
		used := r.UsedBytes() / region.WordSize
		garbage := used - min(used, l.LiveWords)
		if garbage > 0 && garbage*100 >= used*uint64(garbagePercent) {
			c.cset[r.Index()] = true
			n++
		}
	}
	return n
}

// evacuate copies the live objects of the collection set. It returns false
// when a copy found no room or ctx was cancelled; a copy failure has been
// reported to the control loop when report is set.
func (c *collection) evacuate(ctx context.Context, report bool) bool {
	for i, h := range c.env.Objects.In(c.cset) {
		if i%64 == 0 && ctx.Err() != nil {
			return false
		}
		obj, ok := c.env.Objects.Get(h)
		if !ok {
			continue
		}
		aff, a := region.Young, c.env.Collector
		if c.env.PromotionAge > 0 && obj.Age >= c.env.PromotionAge {
			aff, a = region.Old, c.env.OldCollector
		}
		req := alloc.NewSharedGC(obj.Words, aff)
		addr, _ := a.Allocate(c.thread, req)
		if addr == 0 {
			c.env.log().Warn("evacuation failed", "words", obj.Words, "affiliation", aff)
			c.evacFailed = true
			if report && c.env.Control != nil {
				c.env.Control.HandleAllocFailureEvac(obj.Words)
			}
			return false
		}
		if c.env.Objects.Move(h, addr) {
			c.moved++
		}
	}
	return true
}

// updateRefs closes the evacuation: every region's update watermark is
// brought up to its top.
func (c *collection) updateRefs(ctx context.Context) bool {
	for i, r := range c.env.Regions {
		if i%64 == 0 && ctx.Err() != nil {
			return false
		}
		if !r.IsEmpty() {
			r.SetUpdateWatermark(r.Top())
		}
	}
	return true
}

// recycleCollectionSet reclaims the evacuated regions. Pause and heap lock
// required.
func (c *collection) recycleCollectionSet() {
	live := c.env.Objects.Liveness(len(c.env.Regions))
	for i, in := range c.cset {
		if in && live[i].Objects == 0 {
			c.recycle(c.env.Regions[i])
		}
	}
	c.cset = nil
}
