package heuristics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fixedSource struct{ available, capacity uint64 }

func (s *fixedSource) Available() uint64 { return s.available }
func (s *fixedSource) Capacity() uint64  { return s.capacity }

func TestThreshold_ShouldStartGC(t *testing.T) {
	tests := []struct {
		name      string
		available uint64
		want      bool
	}{
		{"plenty free", 500, false},
		{"at threshold", 100, false},
		{"below threshold", 99, true},
		{"empty", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(&fixedSource{available: tt.available, capacity: 1000}, Config{TriggerFreePercent: 10})
			assert.Equal(t, tt.want, h.ShouldStartGC())
		})
	}
}

func TestThreshold_TriggerRequest(t *testing.T) {
	h := New(&fixedSource{available: 1000, capacity: 1000}, Config{TriggerFreePercent: 10})
	assert.False(t, h.ShouldStartGC())
	h.RequestTrigger()
	assert.True(t, h.ShouldStartGC())
	h.CancelTriggerRequest()
	assert.False(t, h.ShouldStartGC())
}

func TestThreshold_GuaranteedInterval(t *testing.T) {
	now := time.Unix(1000, 0)
	h := New(&fixedSource{available: 1000, capacity: 1000}, Config{GuaranteedInterval: time.Minute})
	h.now = func() time.Time { return now }
	h.lastCycleEnd = now

	assert.False(t, h.ShouldStartGC())
	now = now.Add(2 * time.Minute)
	assert.True(t, h.ShouldStartGC())

	h.RecordSuccessConcurrent()
	assert.False(t, h.ShouldStartGC())
}

func TestThreshold_DegenerateBudget(t *testing.T) {
	h := New(&fixedSource{capacity: 1}, Config{FullGCThreshold: 2})

	for range 3 {
		assert.True(t, h.ShouldDegenerateCycle())
		h.RecordAllocationFailureGC()
		h.RecordSuccessDegenerated()
	}
	assert.False(t, h.ShouldDegenerateCycle(), "three degenerated cycles in a row exceed the budget")

	h.RecordSuccessFull()
	assert.True(t, h.ShouldDegenerateCycle())

	s := h.Stats()
	assert.EqualValues(t, 3, s.SuccessfulDegenerated)
	assert.EqualValues(t, 1, s.SuccessfulFull)
	assert.EqualValues(t, 3, s.AllocationFailures)
	assert.Zero(t, s.DegeneratedInRow)
	assert.Equal(t, 1, s.SuccessfulInRow)
}

func TestThreshold_ZeroBudgetStillAllowsFirstDegenerate(t *testing.T) {
	h := New(&fixedSource{capacity: 1}, Config{})
	assert.True(t, h.ShouldDegenerateCycle())
	h.RecordSuccessDegenerated()
	assert.False(t, h.ShouldDegenerateCycle())
	h.RecordSuccessConcurrent()
	assert.True(t, h.ShouldDegenerateCycle())
}

func TestThreshold_UnloadClasses(t *testing.T) {
	h := New(&fixedSource{capacity: 1}, Config{})
	assert.False(t, h.CanUnloadClasses())
	assert.False(t, h.ShouldUnloadClasses())

	h = New(&fixedSource{capacity: 1}, Config{UnloadClassesFrequency: 2})
	assert.True(t, h.CanUnloadClasses())
	assert.False(t, h.ShouldUnloadClasses())
	h.RecordSuccessConcurrent()
	assert.True(t, h.ShouldUnloadClasses())
}

func TestThreshold_Requested(t *testing.T) {
	h := New(&fixedSource{capacity: 1}, Config{})
	h.RecordRequestedGC()
	h.RecordRequestedGC()
	assert.EqualValues(t, 2, h.Stats().Requested)
}

func TestThreshold_Reconfigure(t *testing.T) {
	src := &fixedSource{capacity: 1000, available: 150}
	h := New(src, Config{TriggerFreePercent: 10, FullGCThreshold: 0})
	assert.False(t, h.ShouldStartGC())

	h.RecordSuccessDegenerated()
	assert.False(t, h.ShouldDegenerateCycle())

	h.Reconfigure(Config{TriggerFreePercent: 20, FullGCThreshold: 1})
	assert.True(t, h.ShouldStartGC())
	assert.True(t, h.ShouldDegenerateCycle())
	assert.EqualValues(t, 1, h.Stats().SuccessfulDegenerated)
}
