package lock

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/joshuapare/regiongc/internal/debug"
	"github.com/joshuapare/regiongc/internal/gcthread"
	"github.com/joshuapare/regiongc/internal/park"
)

const (
	stateFree      uint32 = 0
	stateHeld      uint32 = 1
	stateContended uint32 = 2
)

// Lock is the non-reentrant heap lock. Create with New.
type Lock struct {
	_     cpu.CacheLinePad
	state atomic.Uint32
	_     cpu.CacheLinePad
	owner atomic.Pointer[gcthread.Thread]
	_     cpu.CacheLinePad
	// waiters counts threads that have given up spinning and are parked
	// or about to park.
	waiters atomic.Int32
	_       cpu.CacheLinePad

	parker     park.Parker
	safepoint  Safepoint
	spin       SpinPolicy
	mp         bool
	trackOwner bool
}

// New returns a free lock.
func New(opts ...Option) *Lock {
	o := buildOptions(opts)
	l := &Lock{
		parker:     o.parker,
		safepoint:  o.safepoint,
		spin:       o.spin,
		mp:         o.procs > 1,
		trackOwner: debug.Enabled || o.trackOwner,
	}
	if !l.mp {
		l.spin.MutatorSpins = 0
		l.spin.WorkerSpins = 0
		l.spin.UnlockHandoffSpins = 0
	}
	return l
}

// Lock acquires the lock for t. A mutator passing allowBlockForSafepoint
// waits in a blocked scope so a pause can proceed without it.
func (l *Lock) Lock(t *gcthread.Thread, allowBlockForSafepoint bool) {
	if l.trackOwner && l.owner.Load() == t {
		debug.Fatal("lock: reentrant locking attempt by %v, would deadlock", t)
	}

	allowBlock := allowBlockForSafepoint && t.IsMutator() && l.safepoint != nil
	// A mutator facing a pause goes straight to the contended path so it can
	// get out of the pause's way.
	if (allowBlock && l.safepoint.Synchronizing()) || !l.state.CompareAndSwap(stateFree, stateHeld) {
		l.contendedLock(t, allowBlock)
	}

	if l.trackOwner {
		debug.Assert(l.owner.Load() == nil, "lock: acquired while owned by %v", l.owner.Load())
		l.owner.Store(t)
	}
}

// TryLock acquires the lock only if it is free.
func (l *Lock) TryLock(t *gcthread.Thread) bool {
	if !l.state.CompareAndSwap(stateFree, stateHeld) {
		return false
	}
	if l.trackOwner {
		l.owner.Store(t)
	}
	return true
}

// Unlock releases the lock held by t.
func (l *Lock) Unlock(t *gcthread.Thread) {
	if l.trackOwner {
		if owner := l.owner.Load(); owner != t {
			debug.Fatal("lock: unlock by %v, owner is %v", t, owner)
		}
		l.owner.Store(nil)
	}

	if l.parker == nil {
		l.state.Store(stateFree)
		return
	}
	if l.state.Swap(stateFree) != stateContended {
		return
	}
	if l.waiters.Load() == 0 {
		// Stale marker left by a woken waiter that was the last one.
		return
	}
	if l.handOff() {
		return
	}
	l.parker.Wake(l.stateAddr(), 1)
}

// handOff spins briefly after a contended unlock. It returns true when
// another thread took the lock and now carries the Contended marker, which
// makes that owner responsible for waking the parked threads.
func (l *Lock) handOff() bool {
	for range l.spin.UnlockHandoffSpins {
		switch l.state.Load() {
		case stateContended:
			return true
		case stateHeld:
			if l.state.CompareAndSwap(stateHeld, stateContended) {
				return true
			}
		}
		spinPause()
	}
	return false
}

// OwnedBySelf reports whether t holds the lock. Without owner tracking the
// owner is unknown and it reports false; see TracksOwner.
func (l *Lock) OwnedBySelf(t *gcthread.Thread) bool {
	if !l.trackOwner {
		return false
	}
	return l.state.Load() != stateFree && l.owner.Load() == t
}

// AssertOwned fails when owner tracking is on and t does not hold the lock.
// Without tracking it checks nothing.
func (l *Lock) AssertOwned(t *gcthread.Thread) {
	if l.trackOwner && !l.OwnedBySelf(t) {
		debug.Fatal("lock: %v must hold the heap lock", t)
	}
}

// TracksOwner reports whether the lock records its owner, which OwnedBySelf
// and AssertOwned depend on.
func (l *Lock) TracksOwner() bool { return l.trackOwner }

// IsLocked reports whether the lock is currently held by anyone.
func (l *Lock) IsLocked() bool { return l.state.Load() != stateFree }

// Waiters returns the number of parked or parking threads.
func (l *Lock) Waiters() int { return int(l.waiters.Load()) }

// stateAddr exposes the lock word to the parker. atomic.Uint32 stores its
// value at offset zero.
func (l *Lock) stateAddr() *uint32 {
	return (*uint32)(unsafe.Pointer(&l.state))
}

func (l *Lock) spinBudget(t *gcthread.Thread) int {
	if t.IsMutator() {
		return l.spin.MutatorSpins
	}
	return l.spin.WorkerSpins
}

func (l *Lock) synchronizing() bool {
	return l.safepoint != nil && l.safepoint.Synchronizing()
}

func (l *Lock) contendedLock(t *gcthread.Thread, allowBlock bool) {
	if l.parker == nil {
		l.contendedLockGeneric(t, allowBlock)
		return
	}

	for spins := l.spinBudget(t); spins > 0; spins-- {
		if allowBlock && l.synchronizing() {
			break
		}
		if l.state.Load() == stateFree && l.state.CompareAndSwap(stateFree, stateHeld) {
			return
		}
		spinPause()
	}

	l.waiters.Add(1)
	for l.state.Swap(stateContended) != stateFree {
		if allowBlock {
			release := l.safepoint.BlockScope(t)
			l.parker.Wait(l.stateAddr(), stateContended)
			release()
		} else {
			l.parker.Wait(l.stateAddr(), stateContended)
		}
	}
	l.waiters.Add(-1)
}

// contendedLockGeneric spins, yields and sleeps. The lock word only ever
// holds Free or Held here.
func (l *Lock) contendedLockGeneric(t *gcthread.Thread, allowBlock bool) {
	spins := l.spinBudget(t)
	yields := 0
	for l.state.Load() != stateFree || !l.state.CompareAndSwap(stateFree, stateHeld) {
		synchronizing := l.synchronizing()
		switch {
		case spins > 0 && !synchronizing:
			spins--
			spinPause()
		case allowBlock && synchronizing:
			release := l.safepoint.BlockScope(t)
			runtime.Gosched()
			release()
		default:
			yields++
			if yields%l.spin.YieldsBeforeSleep == 0 {
				time.Sleep(l.spin.Sleep)
			} else {
				runtime.Gosched()
			}
		}
	}
}

var pauseSink atomic.Uint32

// spinPause burns a few cycles without touching the lock's cache line.
func spinPause() {
	for range 8 {
		pauseSink.Load()
	}
}

// Locked runs fn while holding l.
func Locked(l *Lock, t *gcthread.Thread, allowBlockForSafepoint bool, fn func()) {
	l.Lock(t, allowBlockForSafepoint)
	defer l.Unlock(t)
	fn()
}
