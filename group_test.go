package tdbcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupMaterializeAndLoadRoundTrip(t *testing.T) {
	alloc := newTestAllocator(64)
	g := NewGroup(alloc, 4)

	table, err := g.AddTable("Widgets")
	require.NoError(t, err)
	_, err = table.AddColumn("sku", ColumnTypeString, "")
	require.NoError(t, err)
	_, err = table.AddColumn("qty", ColumnTypeInt, "")
	require.NoError(t, err)

	row, err := table.AddEmptyRow()
	require.NoError(t, err)
	sku, _ := table.StringColumn("sku")
	qty, _ := table.IntColumn("qty")
	require.NoError(t, sku.Set(row, "W-100"))
	require.NoError(t, qty.Set(row, 42))

	topRef, err := g.materializeTopRef(1)
	require.NoError(t, err)

	reloaded, err := loadGroup(alloc, topRef, 4)
	require.NoError(t, err)

	require.Equal(t, int64(1), readNodeMust(t, alloc, topRef).Get(topFileVersionIdx))

	require.ElementsMatch(t, []string{"Widgets"}, reloaded.TableNames())

	rt, err := reloaded.GetTable("Widgets")
	require.NoError(t, err)
	require.Equal(t, int64(1), rt.NumRows())

	rsku, err := rt.StringColumn("sku")
	require.NoError(t, err)
	v, err := rsku.Get(0)
	require.NoError(t, err)
	require.Equal(t, "W-100", v)
}
