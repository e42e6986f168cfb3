package tdbcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBPTreeAppendAndGet(t *testing.T) {
	alloc := newTestAllocator(64)
	tree, err := newBPTree(alloc, 4) // tiny fan-out to force splits quickly

	require.NoError(t, err)

	const n = 50
	for i := int64(0); i < n; i++ {
		require.NoError(t, tree.Append(i*10))
	}

	require.Equal(t, int64(n), tree.Size())
	for i := int64(0); i < n; i++ {
		v, err := tree.Get(i)
		require.NoError(t, err)
		require.Equal(t, i*10, v)
	}
}

func TestBPTreeInsertInterior(t *testing.T) {
	alloc := newTestAllocator(64)
	tree, err := newBPTree(alloc, 4)
	require.NoError(t, err)

	for i := int64(0); i < 20; i++ {
		require.NoError(t, tree.Append(i))
	}

	require.NoError(t, tree.Insert(5, 999))

	v, err := tree.Get(5)
	require.NoError(t, err)
	require.Equal(t, int64(999), v)

	v, err = tree.Get(6)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	require.Equal(t, int64(21), tree.Size())
}

func TestBPTreeErase(t *testing.T) {
	alloc := newTestAllocator(64)
	tree, err := newBPTree(alloc, 4)
	require.NoError(t, err)

	for i := int64(0); i < 30; i++ {
		require.NoError(t, tree.Append(i))
	}

	require.NoError(t, tree.Erase(10))
	require.Equal(t, int64(29), tree.Size())

	v, err := tree.Get(10)
	require.NoError(t, err)
	require.Equal(t, int64(11), v)
}

func TestBPTreeSet(t *testing.T) {
	alloc := newTestAllocator(64)
	tree, err := newBPTree(alloc, 4)
	require.NoError(t, err)

	for i := int64(0); i < 20; i++ {
		require.NoError(t, tree.Append(i))
	}

	require.NoError(t, tree.Set(15, -1))
	v, err := tree.Get(15)
	require.NoError(t, err)
	require.Equal(t, int64(-1), v)
}
