package heap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/regiongc/heap/alloc"
	"github.com/joshuapare/regiongc/heap/control"
	"github.com/joshuapare/regiongc/heap/freeset"
	"github.com/joshuapare/regiongc/heap/heuristics"
	"github.com/joshuapare/regiongc/heap/lock"
	"github.com/joshuapare/regiongc/heap/region"
	"github.com/joshuapare/regiongc/heap/safepoint"
	"github.com/joshuapare/regiongc/heap/sim"
	"github.com/joshuapare/regiongc/internal/gcthread"
	"github.com/joshuapare/regiongc/internal/logger"
	"github.com/joshuapare/regiongc/internal/mmheap"
	"github.com/joshuapare/regiongc/internal/park"
	"github.com/joshuapare/regiongc/pkg/config"
)

// Handle identifies a live object.
type Handle = sim.Handle

// Option configures New.
type Option func(*options)

type options struct {
	log     *slog.Logger
	onFatal func(error)
}

// WithLogger sets the logger for the heap and its control loop.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithOnFatal sets a hook called once when the control loop dies with
// ErrOutOfMemory.
func WithOnFatal(fn func(error)) Option {
	return func(o *options) { o.onFatal = fn }
}

// Heap is a region heap with a running collector. Safe for concurrent use.
type Heap struct {
	cfg config.Config
	log *slog.Logger

	arena   *mmheap.Arena
	regions []*region.Region

	sp       *safepoint.Coordinator
	heapLock *lock.Lock
	gate     sync.RWMutex
	freeSet  *freeset.FreeSet

	mutator      *alloc.Allocator
	collector    *alloc.Allocator
	oldCollector *alloc.Allocator

	heuristics *heuristics.Threshold
	objects    *sim.Objects
	cycles     *sim.Cycles
	ctrl       *control.Controller

	lastUsed        atomic.Uint64
	usedAtGC        atomic.Uint64
	clearSoftRefs   atomic.Bool
	unloadClasses   atomic.Bool
	oomAllocations  atomic.Uint64
	allocatedWords  atomic.Uint64
	allocationCalls atomic.Uint64

	startOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool
}

var _ control.Heap = (*Heap)(nil)

// New reserves memory for cfg and wires the collector. Call Start to run
// the control loop.
func New(cfg config.Config, opts ...Option) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.For("heap")
	}

	arena, err := mmheap.New(int(cfg.HeapBytes()), cfg.UseMmap)
	if err != nil {
		return nil, fmt.Errorf("reserve heap: %w", err)
	}

	h := &Heap{
		cfg:   cfg,
		log:   o.log,
		arena: arena,
		sp:    safepoint.New(),
	}

	regionBytes := cfg.RegionSizeWords * region.WordSize
	h.regions = make([]*region.Region, cfg.RegionCount)
	for i := range h.regions {
		h.regions[i] = region.New(i, arena.Base()+uintptr(uint64(i)*regionBytes), cfg.RegionSizeWords)
	}

	var parker park.Parker
	if cfg.Lock.Futex {
		parker = park.Default()
	}
	h.heapLock = lock.New(
		lock.WithParker(parker),
		lock.WithSafepoint(h.sp),
		lock.WithSpin(lock.SpinPolicy{
			MutatorSpins:       cfg.Lock.MutatorSpins,
			WorkerSpins:        cfg.Lock.WorkerSpins,
			UnlockHandoffSpins: cfg.Lock.UnlockHandoffSpins,
			YieldsBeforeSleep:  cfg.Lock.YieldsBeforeSleep,
			Sleep:              cfg.Lock.Sleep,
		}),
	)

	h.freeSet = freeset.New(h.regions, h.heapLock, freeset.Config{
		CollectorReservePercent:    cfg.CollectorReservePercent,
		OldCollectorReservePercent: cfg.OldCollectorReservePercent,
	})

	acfg := alloc.Config{
		RegionSizeWords:  cfg.RegionSizeWords,
		MinLeftoverWords: cfg.MinLeftoverWords,
		Pause:            h.sp,
	}
	h.mutator = alloc.NewMutator(h.freeSet, h.heapLock, acfg)
	h.collector = alloc.NewCollector(h.freeSet, h.heapLock, acfg)
	h.oldCollector = alloc.NewOldCollector(h.freeSet, h.heapLock, acfg)

	h.heuristics = heuristics.New(h.freeSet, heuristicsConfig(cfg))
	h.objects = sim.NewObjects(arena.Base(), arena.Bytes(), regionBytes)

	env := &sim.Env{
		Regions:            h.regions,
		FreeSet:            h.freeSet,
		HeapLock:           h.heapLock,
		Safepoint:          h.sp,
		Gate:               &h.gate,
		Mutator:            h.mutator,
		Collector:          h.collector,
		OldCollector:       h.oldCollector,
		Objects:            h.objects,
		EvacGarbagePercent: cfg.EvacGarbagePercent,
		PromotionAge:       cfg.PromotionAge,
		OnRecycle:          h.uncommit,
		Logger:             o.log.With("component", "sim"),
	}
	h.cycles = sim.NewCycles(env)

	h.ctrl = control.New(control.Config{
		IntervalMin:         cfg.ControlIntervalMin,
		IntervalMax:         cfg.ControlIntervalMax,
		AdjustPeriod:        cfg.ControlIntervalAdjustPeriod,
		DegeneratedGC:       cfg.DegeneratedGC,
		AlwaysClearSoftRefs: cfg.AlwaysClearSoftRefs,
		RegionSizeWords:     cfg.RegionSizeWords,
		OnFatal:             o.onFatal,
		Parker:              parker,
		Logger:              o.log.With("component", "control"),
	}, control.Deps{
		Heuristics: h.heuristics,
		Cycles:     h.cycles,
		Heap:       h,
		HeapLock:   h.heapLock,
		Safepoint:  h.sp,
	})
	env.Control = h.ctrl

	h.log.Info("heap reserved",
		"regions", cfg.RegionCount,
		"region_words", cfg.RegionSizeWords,
		"bytes", arena.Len(),
		"mmap", arena.Mapped(),
		"futex", cfg.Lock.Futex)
	return h, nil
}

func heuristicsConfig(cfg config.Config) heuristics.Config {
	return heuristics.Config{
		TriggerFreePercent:     cfg.TriggerFreePercent,
		FullGCThreshold:        cfg.FullGCThreshold,
		GuaranteedInterval:     cfg.GuaranteedInterval,
		UnloadClassesFrequency: cfg.UnloadClassesFrequency,
	}
}

// Start runs the control loop until ctx is done or Close is called.
func (h *Heap) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		h.started.Store(true)
		h.ctrl.Start(ctx)
	})
}

// Close stops the control loop, waits for it and releases the memory. It
// returns the loop's error, if any.
func (h *Heap) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.ctrl.Stop()
	var err error
	if h.started.Load() {
		err = h.ctrl.Wait()
	}
	// Pauses touch the arena; take the gate so none is running.
	h.gate.Lock()
	defer h.gate.Unlock()
	if cerr := h.arena.Close(); err == nil {
		err = cerr
	}
	return err
}

// Done is closed when the control loop has exited.
func (h *Heap) Done() <-chan struct{} { return h.ctrl.Done() }

// NewMutator returns an identity for a goroutine that allocates.
func (h *Heap) NewMutator(name string) *gcthread.Thread {
	return gcthread.NewMutator(name)
}

// Allocate returns a handle to a new object of words words. When the heap
// is exhausted it parks until the control loop has run a cycle and retries.
// ErrOutOfMemory is returned once AllocFailureRetries cycles and at least
// one full cycle have completed since the first failure without making
// room, or when no control loop is running.
func (h *Heap) Allocate(t *gcthread.Thread, words uint64) (Handle, error) {
	if words == 0 {
		return 0, ErrInvalidSize
	}
	if h.closed.Load() {
		return 0, ErrClosed
	}
	h.allocationCalls.Add(1)

	var (
		failed      bool
		collections uint64
		lastGC      uint64
		fullBefore  uint64
	)
	for {
		req := alloc.NewShared(words)
		if hd := h.tryAllocate(t, req); hd != 0 {
			h.allocatedWords.Add(req.ActualSizeWords)
			return hd, nil
		}
		if h.closed.Load() {
			return 0, ErrClosed
		}
		if !failed {
			failed = true
			lastGC = h.ctrl.GCID()
			fullBefore = h.ctrl.Stats().Full
		}
		if h.exhausted(collections, fullBefore) {
			h.oomAllocations.Add(1)
			return 0, fmt.Errorf("%w: %d words after %d collections", ErrOutOfMemory, words, collections)
		}
		h.ctrl.HandleAllocFailure(t, req, true)
		id := h.ctrl.GCID()
		collections += id - lastGC
		lastGC = id
	}
}

// exhausted reports whether a failing allocation should give up.
func (h *Heap) exhausted(collections, fullBefore uint64) bool {
	if !h.ctrl.Started() || h.ctrl.Terminating() {
		return true
	}
	return collections >= uint64(h.cfg.AllocFailureRetries) && h.ctrl.Stats().Full > fullBefore
}

// tryAllocate allocates and registers the object under the read side of
// the gate so no pause can observe one without the other.
func (h *Heap) tryAllocate(t *gcthread.Thread, req *alloc.Request) Handle {
	h.gate.RLock()
	defer h.gate.RUnlock()
	addr, _ := h.mutator.Allocate(t, req)
	if addr == 0 {
		return 0
	}
	return h.objects.Add(addr, req.ActualSizeWords)
}

// Free makes the object garbage.
func (h *Heap) Free(hd Handle) error {
	if !h.objects.Remove(hd) {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, hd)
	}
	return nil
}

// Write copies data into the object's payload at off.
func (h *Heap) Write(hd Handle, off int, data []byte) error {
	h.gate.RLock()
	defer h.gate.RUnlock()
	if h.closed.Load() {
		return ErrClosed
	}
	if err := h.objects.Write(hd, off, data); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownHandle, err)
	}
	return nil
}

// Read returns a copy of the object's payload.
func (h *Heap) Read(hd Handle) ([]byte, error) {
	h.gate.RLock()
	defer h.gate.RUnlock()
	if h.closed.Load() {
		return nil, ErrClosed
	}
	b, err := h.objects.Read(hd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownHandle, err)
	}
	return b, nil
}

// Addr returns the object's current address.
func (h *Heap) Addr(hd Handle) (uintptr, bool) {
	obj, ok := h.objects.Get(hd)
	return obj.Addr, ok
}

// RequestGC runs a collection and waits for it. full asks for a full cycle.
func (h *Heap) RequestGC(ctx context.Context, full bool) error {
	cause := control.CauseExplicit
	if full {
		cause = control.CauseExplicitFull
	}
	return h.ctrl.RequestGC(ctx, cause)
}

// Reconfigure applies the settings that can change at runtime. Layout and
// lock settings need a new heap.
func (h *Heap) Reconfigure(cfg config.Config) {
	h.heuristics.Reconfigure(heuristicsConfig(cfg))
	if cfg.RegionSizeWords != h.cfg.RegionSizeWords || cfg.RegionCount != h.cfg.RegionCount ||
		cfg.Lock != h.cfg.Lock {
		h.log.Warn("layout and lock changes need a restart")
	}
}

func (h *Heap) uncommit(r *region.Region) {
	off := int(r.Base() - h.arena.Base())
	if err := h.arena.Uncommit(off, int(r.SizeBytes())); err != nil {
		h.log.Warn("uncommit failed", "region", r.Index(), "err", err)
	}
}

// HasChanged implements control.Heap.
func (h *Heap) HasChanged() bool {
	used := h.freeSet.Used()
	return h.lastUsed.Swap(used) != used
}

// UpdateCapacityAndUsedAtGC implements control.Heap.
func (h *Heap) UpdateCapacityAndUsedAtGC() {
	h.usedAtGC.Store(h.freeSet.Used())
}

// SetSoftReferencePolicy implements control.Heap.
func (h *Heap) SetSoftReferencePolicy(clearAll bool) { h.clearSoftRefs.Store(clearAll) }

// SetUnloadClasses implements control.Heap.
func (h *Heap) SetUnloadClasses(unload bool) { h.unloadClasses.Store(unload) }
