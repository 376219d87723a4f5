package park

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func parkers() map[string]Parker {
	return map[string]Parker{
		"default": Default(),
		"table":   NewTable(),
	}
}

func TestParker_WaitReturnsWhenValueDiffers(t *testing.T) {
	for name, p := range parkers() {
		t.Run(name, func(t *testing.T) {
			var word uint32 = 7
			done := make(chan struct{})
			go func() {
				p.Wait(&word, 3)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("Wait blocked although the word did not hold the expected value")
			}
		})
	}
}

func TestParker_WakeReleasesWaiters(t *testing.T) {
	for name, p := range parkers() {
		t.Run(name, func(t *testing.T) {
			var word uint32 = 1
			const waiters = 8

			var wg sync.WaitGroup
			for range waiters {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for atomic.LoadUint32(&word) == 1 {
						p.Wait(&word, 1)
					}
				}()
			}

			time.Sleep(10 * time.Millisecond)
			atomic.StoreUint32(&word, 2)
			p.Wake(&word, WakeAll)

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("waiters were not released")
			}
		})
	}
}

func TestTable_BucketIsStable(t *testing.T) {
	tbl := NewTable()
	var a, b uint32
	require.Same(t, tbl.bucketFor(&a), tbl.bucketFor(&a))
	_ = tbl.bucketFor(&b)
}
