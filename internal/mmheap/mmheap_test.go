package mmheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsEmpty(t *testing.T) {
	_, err := New(0, true)
	require.Error(t, err)
}

func TestArena(t *testing.T) {
	for _, useMmap := range []bool{false, true} {
		a, err := New(1<<20, useMmap)
		require.NoError(t, err)

		assert.Equal(t, 1<<20, a.Len())
		assert.NotZero(t, a.Base())
		if !useMmap {
			assert.False(t, a.Mapped())
		}

		b := a.Bytes()
		for i := range b {
			b[i] = 0xAB
		}
		// Unaligned at both ends.
		require.NoError(t, a.Uncommit(100, 3*4096+50))
		assert.Equal(t, byte(0xAB), b[99])
		assert.Equal(t, byte(0), b[100])
		assert.Equal(t, byte(0), b[100+3*4096+49])
		assert.Equal(t, byte(0xAB), b[100+3*4096+50])
		for i := 100; i < 100+3*4096+50; i++ {
			if b[i] != 0 {
				t.Fatalf("byte %d not cleared (mmap=%v)", i, useMmap)
			}
		}

		require.NoError(t, a.Uncommit(0, 0))
		require.Error(t, a.Uncommit(a.Len()-10, 20))
		require.Error(t, a.Uncommit(-1, 1))

		require.NoError(t, a.Close())
		require.NoError(t, a.Close())
		assert.ErrorIs(t, a.Uncommit(0, 1), ErrClosed)
		assert.Zero(t, a.Base())
	}
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, 0, alignUp(0, 4096))
	assert.Equal(t, 4096, alignUp(1, 4096))
	assert.Equal(t, 4096, alignUp(4096, 4096))
}
