package lock

import (
	"runtime"
	"time"

	"github.com/joshuapare/regiongc/internal/gcthread"
	"github.com/joshuapare/regiongc/internal/park"
)

// Safepoint is the view of the pause synchronizer the lock needs.
type Safepoint interface {
	Synchronizing() bool
	BlockScope(t *gcthread.Thread) func()
}

// SpinPolicy holds the tunable spin and backoff budgets.
type SpinPolicy struct {
	// MutatorSpins bounds test-and-set attempts by a mutator before parking.
	MutatorSpins int
	// WorkerSpins bounds attempts by GC workers, which never block for a pause.
	WorkerSpins int
	// UnlockHandoffSpins bounds the unlock-side wait for a spinner to take over.
	UnlockHandoffSpins int
	// YieldsBeforeSleep is how many yields the generic variant makes between sleeps.
	YieldsBeforeSleep int
	// Sleep is the generic variant's sleep interval.
	Sleep time.Duration
}

// DefaultSpinPolicy returns the budgets used when none are configured.
func DefaultSpinPolicy() SpinPolicy {
	return SpinPolicy{
		MutatorSpins:       0x1F,
		WorkerSpins:        0xFFF,
		UnlockHandoffSpins: 64,
		YieldsBeforeSleep:  0x80,
		Sleep:              10 * time.Microsecond,
	}
}

type options struct {
	parker     park.Parker
	safepoint  Safepoint
	spin       SpinPolicy
	procs      int
	trackOwner bool
}

// Option configures a Lock.
type Option func(*options)

// WithParker sets the parking primitive. nil selects the generic variant.
func WithParker(p park.Parker) Option {
	return func(o *options) { o.parker = p }
}

// WithSafepoint sets the pause synchronizer consulted by mutators.
func WithSafepoint(s Safepoint) Option {
	return func(o *options) { o.safepoint = s }
}

// WithSpin overrides the spin budgets.
func WithSpin(p SpinPolicy) Option {
	return func(o *options) { o.spin = p }
}

// WithProcessors overrides the processor count used to decide whether
// spinning is worthwhile. One processor disables every spin budget.
func WithProcessors(n int) Option {
	return func(o *options) { o.procs = n }
}

// WithOwnerTracking records the owner of a plain lock even without the
// gcdebug build tag, enabling OwnedBySelf and the protocol assertions.
func WithOwnerTracking() Option {
	return func(o *options) { o.trackOwner = true }
}

func buildOptions(opts []Option) options {
	o := options{
		parker: park.Default(),
		spin:   DefaultSpinPolicy(),
		procs:  runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.spin.YieldsBeforeSleep <= 0 {
		o.spin.YieldsBeforeSleep = 1
	}
	return o
}
