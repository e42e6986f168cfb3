package tdbcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntColumnAggregates(t *testing.T) {
	alloc := newTestAllocator(64)
	c, err := NewIntColumn(alloc, 4)
	require.NoError(t, err)

	for _, v := range []int64{3, 1, 4, 1, 5, 9} {
		require.NoError(t, c.Append(v))
	}

	sum, err := c.Sum()
	require.NoError(t, err)
	require.Equal(t, int64(23), sum)

	min, ok, err := c.Min()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), min)

	max, ok, err := c.Max()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(9), max)

	count, err := c.Count(1)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestStringColumnRoundTrip(t *testing.T) {
	alloc := newTestAllocator(64)
	c, err := NewStringColumn(alloc, 4)
	require.NoError(t, err)

	require.NoError(t, c.Append("hello"))
	require.NoError(t, c.Append(""))
	require.NoError(t, c.Append("world"))

	v, err := c.Get(0)
	require.NoError(t, err)
	require.Equal(t, "hello", v)

	v, err = c.Get(1)
	require.NoError(t, err)
	require.Equal(t, "", v)

	idx, err := c.FindFirst("world")
	require.NoError(t, err)
	require.Equal(t, int64(2), idx)
}

func TestDoubleColumnRoundTrip(t *testing.T) {
	alloc := newTestAllocator(64)
	c, err := NewDoubleColumn(alloc, 4)
	require.NoError(t, err)

	require.NoError(t, c.Append(3.5))
	require.NoError(t, c.Append(-2.25))

	v, err := c.Get(0)
	require.NoError(t, err)
	require.InDelta(t, 3.5, v, 1e-9)

	sum, err := c.Sum()
	require.NoError(t, err)
	require.InDelta(t, 1.25, sum, 1e-9)
}

func TestLinkColumnNull(t *testing.T) {
	alloc := newTestAllocator(64)
	c, err := NewLinkColumn(alloc, 4, "Other")
	require.NoError(t, err)

	require.NoError(t, c.AppendNull())
	require.NoError(t, c.Append(7))

	_, isNull, err := c.Get(0)
	require.NoError(t, err)
	require.True(t, isNull)

	row, isNull, err := c.Get(1)
	require.NoError(t, err)
	require.False(t, isNull)
	require.Equal(t, int64(7), row)
}
