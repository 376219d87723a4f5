package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/regiongc/heap/alloc"
	"github.com/joshuapare/regiongc/heap/barrier"
	"github.com/joshuapare/regiongc/heap/lock"
	"github.com/joshuapare/regiongc/heap/region"
	"github.com/joshuapare/regiongc/internal/debug"
	"github.com/joshuapare/regiongc/internal/gcthread"
	"github.com/joshuapare/regiongc/internal/logger"
	"github.com/joshuapare/regiongc/internal/park"
)

const (
	DefaultIntervalMin  = time.Millisecond
	DefaultIntervalMax  = 10 * time.Millisecond
	DefaultAdjustPeriod = time.Second
	initialBarrierTag   = 1
)

// Config tunes a Controller.
type Config struct {
	IntervalMin  time.Duration
	IntervalMax  time.Duration
	AdjustPeriod time.Duration

	// DegeneratedGC enables degenerated cycles for allocation failures.
	DegeneratedGC bool
	// AlwaysClearSoftRefs clears soft references on every cycle.
	AlwaysClearSoftRefs bool
	// RegionSizeWords classifies failed requests as humongous.
	RegionSizeWords uint64

	// OnFatal is called once with the error that ends the loop.
	OnFatal func(error)

	Parker park.Parker
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.IntervalMin <= 0 {
		c.IntervalMin = DefaultIntervalMin
	}
	if c.IntervalMax < c.IntervalMin {
		c.IntervalMax = max(DefaultIntervalMax, c.IntervalMin)
	}
	if c.AdjustPeriod <= 0 {
		c.AdjustPeriod = DefaultAdjustPeriod
	}
	if c.Logger == nil {
		c.Logger = logger.For("control")
	}
	return c
}

// Deps are the collaborators the loop drives.
type Deps struct {
	Heuristics Heuristics
	Cycles     Cycles
	Heap       Heap       // optional
	HeapLock   *lock.Lock // optional, held around Heap.UpdateCapacityAndUsedAtGC
	// Safepoint, when set, lets mutators parked at the barrier count as
	// blocked for a pause.
	Safepoint lock.Safepoint
}

// Stats is a snapshot of loop counters.
type Stats struct {
	GCID                uint64
	Concurrent          uint64
	ConcurrentCancelled uint64
	Degenerated         uint64
	Full                uint64
	Upgrades            uint64 // degenerated cycles that failed over to full
	AllocFailures       uint64
	Requests            uint64
	MutatorWakeups      uint64
	BlockedMutators     uint64
}

type counters struct {
	concurrent, concurrentCancelled, degenerated, full, upgrades atomic.Uint64
	allocFailures, requests, wakeups, blocked                    atomic.Uint64
}

// Controller is the collector's control loop. Create it with New and run it
// with Run or Start.
type Controller struct {
	cfg    Config
	deps   Deps
	log    *slog.Logger
	thread *gcthread.Thread

	// mu guards the request flags and the running cycle.
	mu             sync.Mutex
	requestedCause Cause
	gcRequested    bool
	current        ConcurrentCycle
	cancelCycle    context.CancelCauseFunc
	currentMode    Mode

	cancelled atomic.Int32 // Cause

	// degenPoint is only touched by the loop goroutine.
	degenPoint DegenPoint

	barrierMu        sync.Mutex
	barrier          *barrier.WaitBarrier
	outstandingWords atomic.Int64

	wake chan struct{}

	gcID      atomic.Uint64
	waitersMu sync.Mutex
	gcNotify  chan struct{}

	terminate atomic.Bool
	started   atomic.Bool
	done      chan struct{}
	err       error

	stats counters
}

// New returns a controller that has not started.
func New(cfg Config, deps Deps) *Controller {
	cfg = cfg.withDefaults()
	if deps.Heap == nil {
		deps.Heap = nopHeap{}
	}
	// Armed before the loop begins so a mutator failing right after Start
	// still has a barrier to park on.
	b := barrier.New(cfg.Parker)
	b.Arm(initialBarrierTag)
	return &Controller{
		cfg:        cfg,
		deps:       deps,
		log:        cfg.Logger,
		thread:     gcthread.New(gcthread.Control, "control"),
		degenPoint: DegenOutsideCycle,
		barrier:    b,
		wake:       make(chan struct{}, 1),
		gcNotify:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Thread returns the identity the loop uses for the heap lock.
func (c *Controller) Thread() *gcthread.Thread { return c.thread }

// Start runs the loop in a new goroutine. The controller counts as started
// when Start returns.
func (c *Controller) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go func() { _ = c.run(ctx) }()
}

// Started reports whether Start or Run has been called.
func (c *Controller) Started() bool { return c.started.Load() }

// Stop asks the loop to terminate and cancels the running cycle. It does
// not wait; use Wait for that.
func (c *Controller) Stop() {
	if c.terminate.Swap(true) {
		return
	}
	c.log.Info("stopping")
	c.cancelGC(CauseStopVM)
	c.signal()
}

// Wait blocks until Run has returned and returns its error. It must only be
// called after the loop was started.
func (c *Controller) Wait() error {
	<-c.done
	return c.err
}

// Done is closed when the loop has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) shouldTerminate() bool { return c.terminate.Load() }

// Terminating reports whether the loop has been told to stop or has
// failed. No further cycles run once it returns true.
func (c *Controller) Terminating() bool { return c.shouldTerminate() }

// Run executes the loop in the calling goroutine until Stop is called, ctx
// is done, or a full cycle fails.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	return c.run(ctx)
}

func (c *Controller) run(ctx context.Context) (err error) {
	defer func() {
		c.err = err
		close(c.done)
	}()

	stopOnCancel := context.AfterFunc(ctx, c.Stop)
	defer stopOnCancel()

	c.log.Info("control loop started")
	idle := newBackoff(c.cfg.IntervalMin, c.cfg.IntervalMax, c.cfg.AdjustPeriod, time.Now())

	for !c.shouldTerminate() {
		req := c.checkForRequest()
		if req.CancelledCause == CauseStopVM {
			break
		}

		degenPoint := DegenUnset
		run := false
		switch {
		case req.AllocFailurePending:
			run = true
			c.log.Info("trigger: handle allocation failure")
			degenPoint = c.degenPoint
			c.degenPoint = DegenOutsideCycle

			c.deps.Heuristics.RecordAllocationFailureGC()
			if c.cfg.DegeneratedGC && c.deps.Heuristics.ShouldDegenerateCycle() {
				req.Mode = ModeDegenerate
			} else {
				req.Mode = ModeFull
			}
		case req.GCRequested:
			run = true
			c.log.Info("trigger: gc request", "cause", req.Cause)
			c.deps.Heuristics.RecordRequestedGC()
			if req.Cause.runsFull() {
				req.Mode = ModeFull
			} else {
				req.Mode = ModeConcurrentNormal
				c.deps.Heap.SetUnloadClasses(c.deps.Heuristics.CanUnloadClasses())
			}
		default:
			if c.deps.Heuristics.ShouldStartGC() {
				run = true
				req.Mode = ModeConcurrentNormal
				req.Cause = CauseConcurrentGC
			}
			c.deps.Heap.SetUnloadClasses(c.deps.Heuristics.ShouldUnloadClasses())
		}
		req.DegenPoint = degenPoint

		if req.GCRequested || c.cfg.AlwaysClearSoftRefs {
			c.deps.Heap.SetSoftReferencePolicy(true)
		}

		if run {
			if err = c.runCycle(ctx, req); err != nil {
				break
			}
		}

		sleep := idle.next(c.deps.Heap.HasChanged(), time.Now())
		c.idleWait(sleep)
	}

	c.drain()
	if err != nil {
		c.log.Error("control loop failed", "err", err)
		if c.cfg.OnFatal != nil {
			c.cfg.OnFatal(err)
		}
	} else {
		c.log.Info("control loop stopped")
	}
	return err
}

func (c *Controller) runCycle(ctx context.Context, req Request) error {
	id := c.gcID.Add(1)
	c.deps.Heuristics.CancelTriggerRequest()
	log := c.log.With("gc", id, "mode", req.Mode, "cause", req.Cause)
	log.Info("cycle start", "degen_point", req.DegenPoint)
	start := time.Now()

	var err error
	switch req.Mode {
	case ModeConcurrentNormal:
		c.serviceConcurrent(ctx, req.Cause)
	case ModeDegenerate:
		if !c.serviceDegenerated(ctx, req.Cause, req.DegenPoint) && !c.shouldTerminate() {
			log.Warn("degenerated cycle failed, upgrading to full")
			c.stats.upgrades.Add(1)
			err = c.serviceFull(ctx, req.Cause)
		}
		if err == nil {
			c.wakeMutators()
		}
	case ModeFull:
		if err = c.serviceFull(ctx, req.Cause); err == nil {
			c.wakeMutators()
		}
	default:
		debug.Fatal("control: unexpected mode %v", req.Mode)
	}
	if err != nil {
		return err
	}

	if req.GCRequested {
		c.notifyGCWaiters()
	}
	if c.deps.HeapLock != nil {
		lock.Locked(c.deps.HeapLock, c.thread, false, c.deps.Heap.UpdateCapacityAndUsedAtGC)
	} else {
		c.deps.Heap.UpdateCapacityAndUsedAtGC()
	}
	c.deps.Heap.SetSoftReferencePolicy(false)

	log.Info("cycle end", "elapsed", time.Since(start))
	return nil
}

// beginCycle installs a cancellable context for a cycle of mode m.
func (c *Controller) beginCycle(ctx context.Context, m Mode, gc ConcurrentCycle) context.Context {
	cctx, cancel := context.WithCancelCause(ctx)
	c.mu.Lock()
	c.current = gc
	c.cancelCycle = cancel
	c.currentMode = m
	c.mu.Unlock()

	// A stop that arrived before the cancel func was installed.
	if cause := c.CancelledCause(); cause == CauseStopVM || (m == ModeConcurrentNormal && cause != CauseNone) {
		cancel(&CancelError{Cause: cause})
	}
	return cctx
}

func (c *Controller) endCycle() {
	c.mu.Lock()
	if c.cancelCycle != nil {
		c.cancelCycle(nil)
	}
	c.current = nil
	c.cancelCycle = nil
	c.currentMode = ModeNone
	c.mu.Unlock()
}

func (c *Controller) serviceConcurrent(ctx context.Context, cause Cause) {
	if c.checkCancellationOrDegen(DegenOutsideCycle) {
		c.log.Info("concurrent cycle cancelled before start")
		c.stats.concurrentCancelled.Add(1)
		return
	}

	gc := c.deps.Cycles.Concurrent()
	cctx := c.beginCycle(ctx, ModeConcurrentNormal, gc)
	defer c.endCycle()

	tag := c.BarrierTag()
	if gc.Collect(cctx, cause) {
		c.stats.concurrent.Add(1)
		c.deps.Heuristics.RecordSuccessConcurrent()
		// Mutators may already have been woken during the cycle.
		if tag == c.BarrierTag() {
			c.wakeMutators()
		}
		return
	}

	c.stats.concurrentCancelled.Add(1)
	if c.CancelledCause() == CauseNone {
		// Failing without a cancellation still has to be resolved by a
		// stop-the-world cycle.
		c.log.Warn("concurrent cycle failed without cancellation", "degen_point", gc.DegenPoint())
		c.cancelled.CompareAndSwap(int32(CauseNone), int32(CauseAllocationFailureEvac))
	}
	c.checkCancellationOrDegen(gc.DegenPoint())
	c.log.Info("concurrent cycle cancelled", "cause", c.CancelledCause(), "degen_point", gc.DegenPoint())
}

// checkCancellationOrDegen records point as the degeneration point if the
// cycle was cancelled by an allocation failure. It reports whether the
// cycle was cancelled at all.
func (c *Controller) checkCancellationOrDegen(point DegenPoint) bool {
	cause := c.CancelledCause()
	switch {
	case cause == CauseNone:
		return false
	case cause == CauseStopVM:
		return true
	case cause.IsAllocationFailure():
		debug.Assert(c.degenPoint == DegenOutsideCycle, "control: degeneration point already set to %v", c.degenPoint)
		c.degenPoint = point
		return true
	}
	debug.Fatal("control: unexpected cancellation cause %v", cause)
	return true
}

func (c *Controller) serviceDegenerated(ctx context.Context, cause Cause, point DegenPoint) bool {
	debug.Assert(point != DegenUnset, "control: degeneration point must be set")
	c.clearCancelled()

	cctx := c.beginCycle(ctx, ModeDegenerate, nil)
	defer c.endCycle()

	if !c.deps.Cycles.Degenerated(point).Collect(cctx, cause) {
		return false
	}
	c.stats.degenerated.Add(1)
	c.deps.Heuristics.RecordSuccessDegenerated()
	return true
}

func (c *Controller) serviceFull(ctx context.Context, cause Cause) error {
	c.clearCancelled()

	cctx := c.beginCycle(ctx, ModeFull, nil)
	defer c.endCycle()

	if !c.deps.Cycles.Full().Collect(cctx, cause) {
		if c.shouldTerminate() {
			return nil
		}
		return fmt.Errorf("%w: full cycle failed (cause %s)", ErrOutOfMemory, cause)
	}
	c.stats.full.Add(1)
	c.deps.Heuristics.RecordSuccessFull()
	return nil
}

// checkForRequest snapshots and resets the pending request flags.
func (c *Controller) checkForRequest() Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	cancelled := c.CancelledCause()
	if cancelled == CauseStopVM {
		return Request{CancelledCause: cancelled}
	}

	req := Request{
		AllocFailurePending: cancelled.IsAllocationFailure() ||
			c.requestedCause.IsAllocationFailure() ||
			c.outstandingWords.Load() > 0,
		GCRequested:    c.gcRequested,
		Cause:          c.requestedCause,
		CancelledCause: cancelled,
	}
	if req.AllocFailurePending {
		req.Cause = CauseAllocationFailure
	}
	if req.GCRequested || req.AllocFailurePending {
		c.requestedCause = CauseNone
		c.gcRequested = false
	}
	return req
}

// cancelGC records cause and cancels a running cycle it applies to. Only
// a stop cancels degenerated and full cycles.
func (c *Controller) cancelGC(cause Cause) {
	if cause == CauseStopVM {
		c.cancelled.Store(int32(cause))
	} else if !c.cancelled.CompareAndSwap(int32(CauseNone), int32(cause)) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelCycle != nil && (cause == CauseStopVM || c.currentMode == ModeConcurrentNormal) {
		c.cancelCycle(&CancelError{Cause: cause})
	}
}

func (c *Controller) clearCancelled() {
	for {
		cur := c.cancelled.Load()
		if Cause(cur) == CauseStopVM || Cause(cur) == CauseNone {
			return
		}
		if c.cancelled.CompareAndSwap(cur, int32(CauseNone)) {
			return
		}
	}
}

// CancelledCause returns the pending cancellation, or CauseNone.
func (c *Controller) CancelledCause() Cause { return Cause(c.cancelled.Load()) }

// notify records cause and wakes the loop.
func (c *Controller) notify(cause Cause) {
	c.mu.Lock()
	c.requestedCause = cause
	if !cause.IsAllocationFailure() {
		c.gcRequested = true
	}
	if cause.IsAllocationFailure() && c.CancelledCause() == CauseNone && c.current != nil {
		c.current.SurgeWorkers()
	}
	c.mu.Unlock()
	c.signal()
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) idleWait(d time.Duration) {
	c.mu.Lock()
	pending := c.requestedCause != CauseNone
	c.mu.Unlock()
	if pending || c.shouldTerminate() {
		return
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.wake:
	case <-t.C:
	}
}

// HandleAllocFailure reports that mutator t could not allocate req. With
// block set the caller parks until a cycle that began after the failure
// wakes mutators or the loop terminates; without it the running concurrent
// cycle is cancelled so the failure is handled by a degenerated one. A
// controller that was never started does not park anyone.
func (c *Controller) HandleAllocFailure(t *gcthread.Thread, req *alloc.Request, block bool) {
	debug.Assert(t.IsMutator(), "control: %v is not a mutator", t)
	c.stats.allocFailures.Add(1)

	cause := CauseAllocationFailure
	if req.IsHumongous(c.cfg.RegionSizeWords) {
		cause = CauseHumongousAllocationFailure
	}
	c.log.Info("failed to allocate", "thread", t, "type", req.Type, "bytes", req.SizeWords*region.WordSize)

	if !block {
		c.cancelGC(cause)
		c.notify(cause)
		return
	}

	// The tag is taken before the loop hears about the failure, so any
	// wakeup that follows counts.
	tag := c.barrier.Tag()
	c.notify(cause)
	if c.started.Load() && !c.shouldTerminate() {
		c.blockAtBarrier(t, req.SizeWords, tag)
	}
}

// HandleAllocFailureEvac reports that a collector copy of sizeWords found
// no room. The running cycle is cancelled and degenerates.
func (c *Controller) HandleAllocFailureEvac(sizeWords uint64) {
	c.log.Info("failed to evacuate", "bytes", sizeWords*region.WordSize)
	c.cancelGC(CauseAllocationFailureEvac)
	c.signal()
}

// blockAtBarrier parks t until the barrier moves past tag. Termination
// leaves the barrier disarmed, which also releases t.
func (c *Controller) blockAtBarrier(t *gcthread.Thread, words uint64, tag uint32) {
	c.stats.blocked.Add(1)
	if c.deps.Safepoint != nil {
		defer c.deps.Safepoint.BlockScope(t)()
	}
	c.outstandingWords.Add(int64(words))
	c.barrier.Wait(tag)
	c.outstandingWords.Add(-int64(words))
}

// WakeMutators releases mutators parked on an allocation failure. Cycles
// may call it once they have freed enough memory.
func (c *Controller) WakeMutators() { c.wakeMutators() }

func (c *Controller) wakeMutators() {
	c.barrierMu.Lock()
	defer c.barrierMu.Unlock()
	if !c.barrier.Armed() {
		return
	}
	c.stats.wakeups.Add(1)
	c.barrier.Advance()
}

// BarrierTag returns the wait barrier's current tag.
func (c *Controller) BarrierTag() uint32 { return c.barrier.Tag() }

// OutstandingAllocWords returns the words mutators parked at the barrier
// are waiting to allocate.
func (c *Controller) OutstandingAllocWords() int64 { return c.outstandingWords.Load() }

// RequestGC asks for a cycle and, except for CauseBreakpoint, waits until a
// cycle that started after the request has completed.
func (c *Controller) RequestGC(ctx context.Context, cause Cause) error {
	debug.Assert(!cause.IsAllocationFailure(), "control: use HandleAllocFailure for %v", cause)
	if c.shouldTerminate() {
		c.log.Info("terminating, no more cycles", "cause", cause)
		return ErrTerminated
	}
	c.stats.requests.Add(1)

	if cause == CauseBreakpoint {
		c.notify(cause)
		return nil
	}

	required := c.gcID.Load() + 1
	for {
		c.waitersMu.Lock()
		if c.gcID.Load() >= required {
			c.waitersMu.Unlock()
			return nil
		}
		if c.shouldTerminate() {
			c.waitersMu.Unlock()
			return ErrTerminated
		}
		ch := c.gcNotify
		c.waitersMu.Unlock()

		c.notify(cause)
		select {
		case <-ch:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// RequestGCAsync asks for a cycle without waiting for it.
func (c *Controller) RequestGCAsync(cause Cause) {
	if c.shouldTerminate() {
		return
	}
	c.stats.requests.Add(1)
	c.notify(cause)
}

func (c *Controller) notifyGCWaiters() {
	c.waitersMu.Lock()
	close(c.gcNotify)
	c.gcNotify = make(chan struct{})
	c.waitersMu.Unlock()
}

// drain releases everyone waiting on the loop. The barrier stays open so
// late arrivals do not park.
func (c *Controller) drain() {
	c.terminate.Store(true)
	c.notifyGCWaiters()

	c.barrierMu.Lock()
	if c.barrier.Armed() {
		c.barrier.Disarm()
	}
	c.barrierMu.Unlock()
}

// GCID returns the id of the most recently started cycle.
func (c *Controller) GCID() uint64 { return c.gcID.Load() }

// Stats returns a snapshot of loop counters.
func (c *Controller) Stats() Stats {
	return Stats{
		GCID:                c.gcID.Load(),
		Concurrent:          c.stats.concurrent.Load(),
		ConcurrentCancelled: c.stats.concurrentCancelled.Load(),
		Degenerated:         c.stats.degenerated.Load(),
		Full:                c.stats.full.Load(),
		Upgrades:            c.stats.upgrades.Load(),
		AllocFailures:       c.stats.allocFailures.Load(),
		Requests:            c.stats.requests.Load(),
		MutatorWakeups:      c.stats.wakeups.Load(),
		BlockedMutators:     c.stats.blocked.Load(),
	}
}
