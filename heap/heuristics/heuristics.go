// Package heuristics decides when the control loop should start a cycle and
// whether an allocation failure should be handled by a degenerated cycle or
// go straight to a full one.
package heuristics

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/regiongc/internal/logger"
)

// Source reports heap occupancy.
type Source interface {
	Available() uint64
	Capacity() uint64
}

// Config tunes Threshold.
type Config struct {
	// TriggerFreePercent starts a cycle once free mutator space drops below
	// this share of capacity.
	TriggerFreePercent int
	// FullGCThreshold is how many degenerated cycles in a row are allowed
	// before allocation failures go to a full cycle.
	FullGCThreshold int
	// GuaranteedInterval starts a cycle when none ran for this long. Zero
	// disables it.
	GuaranteedInterval time.Duration
	// UnloadClassesFrequency unloads on every Nth cycle. Zero never does.
	UnloadClassesFrequency int
}

// Stats is a snapshot of the recorded outcomes.
type Stats struct {
	SuccessfulConcurrent  uint64
	SuccessfulDegenerated uint64
	SuccessfulFull        uint64
	AllocationFailures    uint64
	Requested             uint64
	DegeneratedInRow      int
	SuccessfulInRow       int
}

// Threshold is a free-space threshold heuristic. Safe for concurrent use.
type Threshold struct {
	src Source
	log *slog.Logger
	now func() time.Time

	triggerRequested atomic.Bool

	mu               sync.Mutex
	cfg              Config
	lastCycleEnd     time.Time
	cycles           uint64
	degeneratedInRow int
	successfulInRow  int
	stats            Stats
}

// New returns a threshold heuristic over src.
func New(src Source, cfg Config) *Threshold {
	return &Threshold{
		src:          src,
		cfg:          cfg,
		log:          logger.For("heuristics"),
		now:          time.Now,
		lastCycleEnd: time.Now(),
	}
}

// RequestTrigger makes the next ShouldStartGC return true.
func (h *Threshold) RequestTrigger() { h.triggerRequested.Store(true) }

// CancelTriggerRequest clears a pending RequestTrigger.
func (h *Threshold) CancelTriggerRequest() { h.triggerRequested.Store(false) }

// ShouldStartGC reports whether a concurrent cycle should start now.
func (h *Threshold) ShouldStartGC() bool {
	if h.triggerRequested.Load() {
		h.log.Info("trigger: requested")
		return true
	}

	cfg := h.config()
	capacity := h.src.Capacity()
	available := h.src.Available()
	threshold := capacity * uint64(cfg.TriggerFreePercent) / 100
	if available < threshold {
		h.log.Info("trigger: free below threshold",
			"available", available, "threshold", threshold)
		return true
	}

	if cfg.GuaranteedInterval > 0 {
		h.mu.Lock()
		since := h.now().Sub(h.lastCycleEnd)
		h.mu.Unlock()
		if since > cfg.GuaranteedInterval {
			h.log.Info("trigger: guaranteed interval", "since", since)
			return true
		}
	}
	return false
}

// ShouldDegenerateCycle reports whether an allocation failure may be served
// by a degenerated cycle.
func (h *Threshold) ShouldDegenerateCycle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degeneratedInRow <= h.cfg.FullGCThreshold
}

// CanUnloadClasses reports whether class unloading is enabled at all.
func (h *Threshold) CanUnloadClasses() bool { return h.config().UnloadClassesFrequency > 0 }

// ShouldUnloadClasses reports whether the next cycle should unload.
func (h *Threshold) ShouldUnloadClasses() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg.UnloadClassesFrequency <= 0 {
		return false
	}
	return (h.cycles+1)%uint64(h.cfg.UnloadClassesFrequency) == 0
}

func (h *Threshold) config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

// Reconfigure replaces the tunables. Recorded outcomes are kept.
func (h *Threshold) Reconfigure(cfg Config) {
	h.mu.Lock()
	old := h.cfg
	h.cfg = cfg
	h.mu.Unlock()
	if old != cfg {
		h.log.Info("reconfigured", "trigger_free_percent", cfg.TriggerFreePercent,
			"full_gc_threshold", cfg.FullGCThreshold, "guaranteed_interval", cfg.GuaranteedInterval)
	}
}

func (h *Threshold) cycleEnded() {
	h.cycles++
	h.lastCycleEnd = h.now()
}

func (h *Threshold) RecordSuccessConcurrent() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cycleEnded()
	h.degeneratedInRow = 0
	h.successfulInRow++
	h.stats.SuccessfulConcurrent++
}

func (h *Threshold) RecordSuccessDegenerated() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cycleEnded()
	h.degeneratedInRow++
	h.stats.SuccessfulDegenerated++
}

func (h *Threshold) RecordSuccessFull() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cycleEnded()
	h.degeneratedInRow = 0
	h.successfulInRow++
	h.stats.SuccessfulFull++
}

func (h *Threshold) RecordAllocationFailureGC() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successfulInRow = 0
	h.stats.AllocationFailures++
}

func (h *Threshold) RecordRequestedGC() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.Requested++
}

// Stats returns a snapshot of the recorded outcomes.
func (h *Threshold) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.DegeneratedInRow = h.degeneratedInRow
	s.SuccessfulInRow = h.successfulInRow
	return s
}
