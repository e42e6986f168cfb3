package tdbcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueryEqualAndGreater(t *testing.T) {
	alloc := newTestAllocator(64)
	table := NewTable(alloc, 4)
	_, err := table.AddColumn("name", ColumnTypeString, "")
	require.NoError(t, err)
	_, err = table.AddColumn("age", ColumnTypeInt, "")
	require.NoError(t, err)

	rows := []struct {
		name string
		age  int64
	}{
		{"ada", 36}, {"bob", 22}, {"cleo", 45}, {"dan", 22},
	}
	names, _ := table.StringColumn("name")
	ages, _ := table.IntColumn("age")
	for _, r := range rows {
		i, err := table.AddEmptyRow()
		require.NoError(t, err)
		require.NoError(t, names.Set(i, r.name))
		require.NoError(t, ages.Set(i, r.age))
	}

	q, err := table.EqualInt("age", 22)
	require.NoError(t, err)
	matches, err := q.FindAll()
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, matches)

	q2, err := table.GreaterInt("age", 30)
	require.NoError(t, err)
	count, err := q2.Count()
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestQueryAndOr(t *testing.T) {
	alloc := newTestAllocator(64)
	table := NewTable(alloc, 4)
	_, err := table.AddColumn("age", ColumnTypeInt, "")
	require.NoError(t, err)

	for _, v := range []int64{10, 20, 30, 40} {
		i, err := table.AddEmptyRow()
		require.NoError(t, err)
		c, _ := table.IntColumn("age")
		require.NoError(t, c.Set(i, v))
	}

	q1, _ := table.GreaterInt("age", 15)
	q2, _ := table.EqualInt("age", 10)
	combined := q1.Or(q2)

	matches, err := combined.FindAll()
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1, 2, 3}, matches)
}

func TestQueryContainsStringCaseInsensitive(t *testing.T) {
	alloc := newTestAllocator(64)
	table := NewTable(alloc, 4)
	_, err := table.AddColumn("bio", ColumnTypeString, "")
	require.NoError(t, err)

	c, _ := table.StringColumn("bio")
	for _, s := range []string{"Loves Go", "hates bugs", "GOPHER"} {
		i, err := table.AddEmptyRow()
		require.NoError(t, err)
		require.NoError(t, c.Set(i, s))
	}

	q, err := table.ContainsString("bio", "go", true)
	require.NoError(t, err)
	matches, err := q.FindAll()
	require.NoError(t, err)
	require.Equal(t, []int64{0, 2}, matches)
}
