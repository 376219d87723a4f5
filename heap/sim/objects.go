package sim

import (
	"fmt"
	"sync"

	"github.com/joshuapare/regiongc/heap/region"
)

// Handle names an object across moves. Zero is never a valid handle.
type Handle uint64

// Object is one allocation tracked by an Objects table.
type Object struct {
	Addr  uintptr
	Words uint64
	// Age counts the marks the object survived.
	Age int
}

func (o Object) end() uintptr { return o.Addr + uintptr(o.Words)*region.WordSize }

// RegionLiveness is what marking learned about one region.
type RegionLiveness struct {
	LiveWords uint64
	Objects   int
	// Humongous is set when a multi-region object overlaps the region.
	Humongous bool
}

// Objects is the handle table standing in for the object graph: every
// entry is live, and dropping an entry makes the object garbage. Object
// payloads live in mem, which starts at base.
type Objects struct {
	mu    sync.Mutex
	base  uintptr
	mem   []byte
	rsize uint64 // region size in bytes

	next Handle
	objs map[Handle]*Object
}

// NewObjects returns an empty table over mem, which holds the heap starting
// at base. mem may be nil when payloads are not needed.
func NewObjects(base uintptr, mem []byte, regionBytes uint64) *Objects {
	return &Objects{
		base:  base,
		mem:   mem,
		rsize: regionBytes,
		objs:  make(map[Handle]*Object),
	}
}

// Add records a new live object.
func (o *Objects) Add(addr uintptr, words uint64) Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next++
	o.objs[o.next] = &Object{Addr: addr, Words: words}
	return o.next
}

// Remove drops h. The object's space becomes garbage.
func (o *Objects) Remove(h Handle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.objs[h]; !ok {
		return false
	}
	delete(o.objs, h)
	return true
}

// Get returns a copy of h's entry.
func (o *Objects) Get(h Handle) (Object, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objs[h]
	if !ok {
		return Object{}, false
	}
	return *obj, true
}

// Len returns the number of live objects.
func (o *Objects) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.objs)
}

// LiveWords returns the sum of all live object sizes.
func (o *Objects) LiveWords() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n uint64
	for _, obj := range o.objs {
		n += obj.Words
	}
	return n
}

// Write copies data into h's payload at off.
func (o *Objects) Write(h Handle, off int, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, err := o.payload(h)
	if err != nil {
		return err
	}
	if off < 0 || off+len(data) > len(p) {
		return fmt.Errorf("sim: write [%d,%d) outside %d-byte object", off, off+len(data), len(p))
	}
	copy(p[off:], data)
	return nil
}

// Read returns a copy of h's payload.
func (o *Objects) Read(h Handle) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, err := o.payload(h)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), p...), nil
}

func (o *Objects) payload(h Handle) ([]byte, error) {
	obj, ok := o.objs[h]
	if !ok {
		return nil, fmt.Errorf("sim: unknown handle %d", h)
	}
	if o.mem == nil {
		return nil, fmt.Errorf("sim: no backing memory")
	}
	off := int(obj.Addr - o.base)
	return o.mem[off : off+int(obj.Words*region.WordSize)], nil
}

// Mark ages every live object and returns per-region liveness for n
// regions.
func (o *Objects) Mark(n int) []RegionLiveness { return o.scan(n, true) }

// Liveness returns per-region liveness for n regions without aging.
func (o *Objects) Liveness(n int) []RegionLiveness { return o.scan(n, false) }

func (o *Objects) scan(n int, age bool) []RegionLiveness {
	o.mu.Lock()
	defer o.mu.Unlock()
	live := make([]RegionLiveness, n)
	for _, obj := range o.objs {
		if age {
			obj.Age++
		}
		first := o.regionOf(obj.Addr)
		last := o.regionOf(obj.end() - 1)
		for i := first; i <= last && i < n; i++ {
			lo := max(obj.Addr, o.regionBase(i))
			hi := min(obj.end(), o.regionBase(i+1))
			live[i].LiveWords += uint64(hi-lo) / region.WordSize
			live[i].Objects++
			if first != last {
				live[i].Humongous = true
			}
		}
	}
	return live
}

func (o *Objects) regionOf(addr uintptr) int {
	return int(uint64(addr-o.base) / o.rsize)
}

func (o *Objects) regionBase(i int) uintptr {
	return o.base + uintptr(uint64(i)*o.rsize)
}

// In returns the handles of objects starting in one of the flagged regions.
func (o *Objects) In(cset []bool) []Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Handle
	for h, obj := range o.objs {
		if i := o.regionOf(obj.Addr); i < len(cset) && cset[i] {
			out = append(out, h)
		}
	}
	return out
}

// Move relocates h to addr and copies its payload. It reports false when
// h died in the meantime.
func (o *Objects) Move(h Handle, addr uintptr) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objs[h]
	if !ok {
		return false
	}
	if o.mem != nil {
		n := int(obj.Words * region.WordSize)
		from, to := int(obj.Addr-o.base), int(addr-o.base)
		copy(o.mem[to:to+n], o.mem[from:from+n])
	}
	obj.Addr = addr
	return true
}
