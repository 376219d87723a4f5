//go:build gcdebug

package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joshuapare/regiongc/internal/gcthread"
)

func TestLock_DebugBuildTracksOwnerByDefault(t *testing.T) {
	l := New()
	a := gcthread.NewWorker("a")
	l.Lock(a, false)
	assert.True(t, l.OwnedBySelf(a))
	assert.Panics(t, func() { l.Lock(a, false) })
	l.Unlock(a)
}
