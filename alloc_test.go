package tdbcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocatorAllocTranslateFree(t *testing.T) {
	alloc := newTestAllocator(64)

	r1, buf1, err := alloc.alloc(16)
	require.NoError(t, err)
	copy(buf1, []byte("0123456789abcdef"))

	got, err := alloc.translate(r1, 16)
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789abcdef"), got)

	require.NoError(t, alloc.free(r1, 16))
	require.Len(t, alloc.writableFree, 1)
}

func TestAllocatorFreeCoalescesAdjacent(t *testing.T) {
	alloc := newTestAllocator(64)

	r1, _, err := alloc.alloc(8)
	require.NoError(t, err)
	r2, _, err := alloc.alloc(8)
	require.NoError(t, err)

	require.NoError(t, alloc.free(r1, 8))
	require.NoError(t, alloc.free(r2, 8))

	// Adjacent free blocks within the same slab coalesce into one, and
	// with the slab's untouched remainder too, so the whole slab is free.
	require.Len(t, alloc.writableFree, 1)
	require.Equal(t, uint64(len(alloc.slabs[0].data)), alloc.writableFree[0].size)
}

func TestAllocatorGrowsNewSlabOnMiss(t *testing.T) {
	alloc := newTestAllocator(64)

	before := len(alloc.slabs)
	_, _, err := alloc.alloc(minSlabSize * 2)
	require.NoError(t, err)
	require.Greater(t, len(alloc.slabs), before)
}

func TestAllocatorIsReadOnly(t *testing.T) {
	alloc := newTestAllocator(64)
	require.True(t, alloc.isReadOnly(ref(0)))
	require.True(t, alloc.isReadOnly(ref(63)))
	require.False(t, alloc.isReadOnly(ref(64)))
}

func TestAllocatorReallocGrowsInPlaceWhenAdjacentFree(t *testing.T) {
	alloc := newTestAllocator(64)

	r, _, err := alloc.alloc(8)
	require.NoError(t, err)
	_, _, err = alloc.alloc(8) // occupies the slot right after r
	require.NoError(t, err)

	// Free the second block so realloc can absorb it.
	r2 := r + 8
	require.NoError(t, alloc.free(r2, 8))

	newRef, buf, err := alloc.realloc(r, 8, 16)
	require.NoError(t, err)
	require.Equal(t, r, newRef)
	require.Len(t, buf, 16)
}
