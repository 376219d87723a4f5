package control

import "context"

// Heuristics decides when to collect and observes outcomes.
type Heuristics interface {
	ShouldStartGC() bool
	ShouldDegenerateCycle() bool
	CanUnloadClasses() bool
	ShouldUnloadClasses() bool
	CancelTriggerRequest()

	RecordSuccessConcurrent()
	RecordSuccessDegenerated()
	RecordSuccessFull()
	RecordAllocationFailureGC()
	RecordRequestedGC()
}

// Cycle is one collection. Collect reports success. It must poll ctx
// between phases and give up once ctx is done.
type Cycle interface {
	Collect(ctx context.Context, cause Cause) bool
}

// ConcurrentCycle is a cycle that runs alongside mutators.
type ConcurrentCycle interface {
	Cycle
	// DegenPoint is the phase a failed Collect stopped in.
	DegenPoint() DegenPoint
	// SurgeWorkers asks the cycle to use more workers because mutators are
	// stalled on allocation. It is called with controller state locked and
	// must not call back into the Controller.
	SurgeWorkers()
}

// Cycles creates cycle objects.
type Cycles interface {
	Concurrent() ConcurrentCycle
	Degenerated(point DegenPoint) Cycle
	Full() Cycle
}

// Heap is the state the loop reports to between cycles.
type Heap interface {
	// HasChanged reports whether heap usage changed since the last call.
	HasChanged() bool
	// UpdateCapacityAndUsedAtGC is called with the heap lock held.
	UpdateCapacityAndUsedAtGC()
	SetSoftReferencePolicy(clearAll bool)
	SetUnloadClasses(unload bool)
}

type nopHeap struct{}

func (nopHeap) HasChanged() bool            { return false }
func (nopHeap) UpdateCapacityAndUsedAtGC()  {}
func (nopHeap) SetSoftReferencePolicy(bool) {}
func (nopHeap) SetUnloadClasses(bool)       {}
