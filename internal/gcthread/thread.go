// Package gcthread gives goroutines a stable identity that locks and
// allocators can reason about.
//
// Go has no notion of "the current thread", so every participant carries an
// explicit *Thread: mutators run application code and may be paused at a
// safepoint, workers do collection work and never block for a pause, and the
// single control thread drives cycles.
package gcthread

import (
	"fmt"
	"sync/atomic"
)

// Kind classifies a participant.
type Kind uint8

const (
	// Mutator is an application thread.
	Mutator Kind = iota
	// Worker is a GC worker thread.
	Worker
	// Control is the GC control thread.
	Control
)

func (k Kind) String() string {
	switch k {
	case Mutator:
		return "mutator"
	case Worker:
		return "worker"
	case Control:
		return "control"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

var nextID atomic.Uint64

// Thread identifies one participant. Compare by pointer.
type Thread struct {
	id   uint64
	kind Kind
	name string
}

// New returns a thread with a process-unique ID.
func New(kind Kind, name string) *Thread {
	return &Thread{id: nextID.Add(1), kind: kind, name: name}
}

// NewMutator is shorthand for New(Mutator, name).
func NewMutator(name string) *Thread { return New(Mutator, name) }

// NewWorker is shorthand for New(Worker, name).
func NewWorker(name string) *Thread { return New(Worker, name) }

// ID returns the unique thread ID.
func (t *Thread) ID() uint64 { return t.id }

// Kind returns the participant kind.
func (t *Thread) Kind() Kind { return t.kind }

// Name returns the diagnostic name.
func (t *Thread) Name() string { return t.name }

// IsMutator reports whether t runs application code.
func (t *Thread) IsMutator() bool { return t != nil && t.kind == Mutator }

func (t *Thread) String() string {
	if t == nil {
		return "<nil thread>"
	}
	if t.name != "" {
		return fmt.Sprintf("%s#%d(%s)", t.kind, t.id, t.name)
	}
	return fmt.Sprintf("%s#%d", t.kind, t.id)
}
