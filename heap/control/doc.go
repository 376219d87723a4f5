// Package control runs the collector's control loop.
//
// A single Controller goroutine polls for work, picks a cycle mode and runs
// it through caller-supplied cycle objects:
//
//   - a pending stop ends the loop,
//   - an allocation failure runs a degenerated cycle from the point where the
//     last concurrent cycle was cancelled, or a full cycle when degeneration
//     is disabled or over budget,
//   - an explicit request runs a concurrent cycle (full for CauseExplicitFull),
//   - otherwise the heuristics may start a concurrent cycle.
//
// A failed degenerated cycle is upgraded to full; a failed full cycle is
// fatal and ends the loop with ErrOutOfMemory.
//
// Mutators whose allocation failed park on a WaitBarrier until the next
// cycle completes. Waking them advances the barrier tag, so a mutator that
// records the tag after the wake waits for the next cycle instead of
// sleeping forever on a stale one.
package control
