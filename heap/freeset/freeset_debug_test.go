//go:build gcdebug

package freeset

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joshuapare/regiongc/heap/alloc"
	"github.com/joshuapare/regiongc/heap/lock"
)

func TestFreeSet_MutationRequiresHeapLock(t *testing.T) {
	fs := New(newRegions(2), lock.New(), Config{})
	assert.Panics(t, func() { fs.ReserveNewRegion(alloc.Mutator, 8) })
	assert.Panics(t, func() { fs.DecreaseUsed(alloc.Mutator, 0) })
}
