package lock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/regiongc/internal/gcthread"
)

func TestReentrantLock_Nesting(t *testing.T) {
	r := NewReentrant()
	a := gcthread.NewWorker("a")

	r.Lock(a, false)
	r.Lock(a, false)
	r.Lock(a, false)
	require.True(t, r.OwnedBySelf(a))
	assert.Equal(t, uint64(3), r.HoldCount())

	r.Unlock(a)
	r.Unlock(a)
	assert.True(t, r.OwnedBySelf(a), "lock must stay held until the outermost unlock")
	assert.True(t, r.lock.IsLocked())

	r.Unlock(a)
	assert.False(t, r.OwnedBySelf(a))
	assert.False(t, r.lock.IsLocked())
	r.Close()
}

func TestReentrantLock_MutualExclusion(t *testing.T) {
	r := NewReentrant()
	counter := 0
	var wg sync.WaitGroup
	for range 8 {
		th := gcthread.NewMutator("m")
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				r.Lock(th, true)
				r.Lock(th, true)
				counter++
				r.Unlock(th)
				r.Unlock(th)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8*500, counter)
}

func TestReentrantLock_UnlockByNonOwnerIsFatal(t *testing.T) {
	r := NewReentrant()
	a := gcthread.NewWorker("a")
	b := gcthread.NewWorker("b")
	r.Lock(a, false)
	assert.Panics(t, func() { r.Unlock(b) })
	r.Unlock(a)
}

func TestReentrantLock_CloseWhileHeldIsFatal(t *testing.T) {
	r := NewReentrant()
	a := gcthread.NewWorker("a")
	r.Lock(a, false)
	assert.Panics(t, r.Close)
	r.Unlock(a)
	assert.NotPanics(t, r.Close)
}
