// Package barrier implements the generation-tagged gate that allocation
// failures park mutators on until a collection cycle completes.
package barrier

import (
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/regiongc/internal/debug"
	"github.com/joshuapare/regiongc/internal/park"
)

// armedBit is the low bit of the barrier word. The tag lives in the upper
// 31 bits so that every arm or disarm changes the word a waiter parks on.
const armedBit = 1

// MaxTag is the largest tag the word can hold. Advance wraps to 0 past it,
// so tags are only ever compared for equality.
const MaxTag = 1<<31 - 1

// WaitBarrier lets many threads wait for the barrier's tag to move on. The
// zero value is disarmed at tag 0 and uses the default parker.
type WaitBarrier struct {
	word   atomic.Uint32
	parker park.Parker
}

// New returns a disarmed barrier. A nil parker selects park.Default().
func New(p park.Parker) *WaitBarrier {
	if p == nil {
		p = park.Default()
	}
	return &WaitBarrier{parker: p}
}

func (b *WaitBarrier) park() park.Parker {
	if b.parker == nil {
		return park.Default()
	}
	return b.parker
}

func (b *WaitBarrier) addr() *uint32 {
	return (*uint32)(unsafe.Pointer(&b.word))
}

// Arm closes the barrier at tag, which must not exceed MaxTag. The barrier
// must be disarmed.
func (b *WaitBarrier) Arm(tag uint32) {
	w := b.word.Load()
	debug.Assert(w&armedBit == 0, "barrier: Arm(%d) while armed at %d", tag, w>>1)
	debug.Assert(tag <= MaxTag, "barrier: tag %d out of range", tag)
	b.word.Store((tag&MaxTag)<<1 | armedBit)
}

// Disarm opens the barrier and releases every waiter.
func (b *WaitBarrier) Disarm() {
	w := b.word.Load()
	debug.Assert(w&armedBit != 0, "barrier: Disarm while disarmed")
	b.word.Store(w &^ armedBit)
	b.park().Wake(b.addr(), park.WakeAll)
}

// Wait blocks while the barrier is armed at tag. It returns at once if the
// barrier is disarmed or has already been re-armed with a different tag.
func (b *WaitBarrier) Wait(tag uint32) {
	want := (tag&MaxTag)<<1 | armedBit
	for {
		w := b.word.Load()
		if w != want {
			return
		}
		b.park().Wait(b.addr(), w)
	}
}

// Tag returns the current tag.
func (b *WaitBarrier) Tag() uint32 { return b.word.Load() >> 1 }

// Armed reports whether the barrier is closed.
func (b *WaitBarrier) Armed() bool { return b.word.Load()&armedBit != 0 }

// Advance releases every waiter at the current tag and re-arms the barrier
// with the next one in a single store, so the barrier is never observed
// disarmed. The barrier must be armed. The returned tag equals Tag().
func (b *WaitBarrier) Advance() uint32 {
	w := b.word.Load()
	debug.Assert(w&armedBit != 0, "barrier: Advance while disarmed")
	next := (w>>1 + 1) & MaxTag
	b.word.Store(next<<1 | armedBit)
	b.park().Wake(b.addr(), park.WakeAll)
	return next
}
