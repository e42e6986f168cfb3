package tdbcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableInsertRowsAcrossColumns(t *testing.T) {
	alloc := newTestAllocator(64)
	table := NewTable(alloc, 4)

	_, err := table.AddColumn("name", ColumnTypeString, "")
	require.NoError(t, err)
	_, err = table.AddColumn("age", ColumnTypeInt, "")
	require.NoError(t, err)

	row0, err := table.AddEmptyRow()
	require.NoError(t, err)
	row1, err := table.AddEmptyRow()
	require.NoError(t, err)

	names, _ := table.StringColumn("name")
	ages, _ := table.IntColumn("age")

	require.NoError(t, names.Set(row0, "alice"))
	require.NoError(t, ages.Set(row0, 30))
	require.NoError(t, names.Set(row1, "bob"))
	require.NoError(t, ages.Set(row1, 40))

	require.Equal(t, int64(2), table.NumRows())

	got, err := names.Get(row1)
	require.NoError(t, err)
	require.Equal(t, "bob", got)
}

func TestTableAddColumnBackfillsDefaults(t *testing.T) {
	alloc := newTestAllocator(64)
	table := NewTable(alloc, 4)

	_, err := table.AddColumn("a", ColumnTypeInt, "")
	require.NoError(t, err)
	_, err = table.AddEmptyRow()
	require.NoError(t, err)
	_, err = table.AddEmptyRow()
	require.NoError(t, err)

	_, err = table.AddColumn("b", ColumnTypeBool, "")
	require.NoError(t, err)

	b, _ := table.BoolColumn("b")
	require.Equal(t, int64(2), b.Size())
	v, err := b.Get(0)
	require.NoError(t, err)
	require.False(t, v)
}

func TestRowStaleAfterSchemaChange(t *testing.T) {
	alloc := newTestAllocator(64)
	table := NewTable(alloc, 4)
	_, err := table.AddColumn("a", ColumnTypeInt, "")
	require.NoError(t, err)
	_, err = table.AddEmptyRow()
	require.NoError(t, err)

	row := table.RowAt(0)
	_, err = table.AddColumn("b", ColumnTypeInt, "")
	require.NoError(t, err)

	_, err = row.GetInt("a")
	require.ErrorIs(t, err, ErrStaleAccessor)
}
