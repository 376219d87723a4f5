// Package lock implements the heap lock: an adaptive mutual-exclusion lock
// that spins, then parks, and cooperates with global pauses.
//
// # States
//
// The lock word holds one of three values:
//
//	Free       no owner
//	Held       owned, nobody parked
//	Contended  owned, and at least one thread is parked or about to park
//
// Acquisition tries a compare-and-swap from Free to Held. On failure the
// caller spins a bounded number of times (test-and-test-and-set), then marks
// the lock Contended and parks on the lock word. A thread woken from the
// park swaps the word to Contended again, so a woken thread always acquires
// with the marker set and the next unlock knows to look for waiters. A stale
// Contended marker costs one extra unlock-side check and nothing else.
//
// Unlock stores Free. If the previous value was Contended it spins briefly
// hoping a spinning waiter takes the lock; if one does, the Contended marker
// is handed to the new owner instead of paying for a wake. Otherwise one
// parked waiter is woken.
//
// # Variants
//
// With a Parker (the default) the lock runs the three-state protocol above.
// Without one (WithParker(nil)) it runs the generic two-state protocol:
// spin, yield, short sleep, never park. Both give mutual exclusion and
// neither gives FIFO ordering.
//
// # Pauses
//
// A mutator that passes allowBlockForSafepoint=true parks inside a blocked
// scope of the safepoint synchronizer, so a pause can proceed while it waits.
// When a pause is already being synchronized the mutator skips spinning.
// Workers never block for a pause and get a larger spin budget instead.
//
// # Owner tracking
//
// Plain locks record their owner only when tracking is on (the gcdebug
// build tag, or WithOwnerTracking). ReentrantLock always records it.
package lock
