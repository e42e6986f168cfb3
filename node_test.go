package tdbcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeAddGetWiden(t *testing.T) {
	alloc := newTestAllocator(64)

	n, err := newNode(alloc, false, false, 1, 4)
	require.NoError(t, err)

	require.NoError(t, n.Add(0))
	require.NoError(t, n.Add(1))
	require.Equal(t, int64(0), n.Get(0))
	require.Equal(t, int64(1), n.Get(1))

	// Adding a value that doesn't fit in 1 bit forces a widen.
	require.NoError(t, n.Add(200))
	require.Equal(t, uint8(16), n.hdr.width)
	require.Equal(t, int64(0), n.Get(0))
	require.Equal(t, int64(1), n.Get(1))
	require.Equal(t, int64(200), n.Get(2))
}

func TestNodeInsertErase(t *testing.T) {
	alloc := newTestAllocator(64)
	n, err := newNode(alloc, false, false, 8, 4)
	require.NoError(t, err)

	for i := int64(0); i < 5; i++ {
		require.NoError(t, n.Add(i))
	}
	require.NoError(t, n.Insert(2, 99))
	require.Equal(t, []int64{0, 1, 99, 2, 3, 4}, allElems(n))

	require.NoError(t, n.Erase(2))
	require.Equal(t, []int64{0, 1, 2, 3, 4}, allElems(n))

	require.NoError(t, n.Truncate(2))
	require.Equal(t, []int64{0, 1}, allElems(n))
}

func TestNodeNegativeValues(t *testing.T) {
	alloc := newTestAllocator(64)
	n, err := newNode(alloc, false, false, 8, 4)
	require.NoError(t, err)

	require.NoError(t, n.Add(-1))
	require.NoError(t, n.Add(-128))
	require.Equal(t, int64(-1), n.Get(0))
	require.Equal(t, int64(-128), n.Get(1))
}

func TestNodeCopyOnWrite(t *testing.T) {
	alloc := newTestAllocator(64)
	n, err := newNode(alloc, false, false, 8, 4)
	require.NoError(t, err)
	require.NoError(t, n.Add(1))

	// Simulate it having been committed: a ref below baseline is read-only.
	n.writable = false
	n.r = ref(8) // inside baseline region [0, 64)

	require.NoError(t, n.CopyOnWrite())
	require.True(t, n.writable)
	require.True(t, uint64(n.r) >= alloc.baseline)
}

func allElems(n *Node) []int64 {
	out := make([]int64, n.Len())
	for i := range out {
		out[i] = n.Get(i)
	}
	return out
}
