package tdbcore

import (
	pkgerrors "github.com/pkg/errors"
)

// colHandle is the uniform row-level operation set every typed column
// façade exposes to Table, so Table can keep all of a row's columns in
// lockstep without a type switch per call, per spec.md §4.E's
// "row insertion touches every column".
type colHandle interface {
	ref() ref
	size() int64
	insertDefault(i int64) error
	eraseRow(i int64) error
}

type intColHandle struct{ c *IntColumn }

func (h intColHandle) ref() ref                 { return h.c.Ref() }
func (h intColHandle) size() int64              { return h.c.Size() }
func (h intColHandle) insertDefault(i int64) error { return h.c.Insert(i, 0) }
func (h intColHandle) eraseRow(i int64) error      { return h.c.Erase(i) }

type boolColHandle struct{ c *BoolColumn }

func (h boolColHandle) ref() ref                 { return h.c.Ref() }
func (h boolColHandle) size() int64              { return h.c.Size() }
func (h boolColHandle) insertDefault(i int64) error { return h.c.Insert(i, false) }
func (h boolColHandle) eraseRow(i int64) error      { return h.c.Erase(i) }

type tsColHandle struct{ c *TimestampColumn }

func (h tsColHandle) ref() ref                 { return h.c.Ref() }
func (h tsColHandle) size() int64              { return h.c.Size() }
func (h tsColHandle) insertDefault(i int64) error { return h.c.Insert(i, 0) }
func (h tsColHandle) eraseRow(i int64) error      { return h.c.Erase(i) }

type doubleColHandle struct{ c *DoubleColumn }

func (h doubleColHandle) ref() ref                 { return h.c.Ref() }
func (h doubleColHandle) size() int64              { return h.c.Size() }
func (h doubleColHandle) insertDefault(i int64) error { return h.c.Insert(i, 0) }
func (h doubleColHandle) eraseRow(i int64) error      { return h.c.Erase(i) }

type stringColHandle struct{ c *StringColumn }

func (h stringColHandle) ref() ref                 { return h.c.Ref() }
func (h stringColHandle) size() int64              { return h.c.Size() }
func (h stringColHandle) insertDefault(i int64) error { return h.c.Insert(i, "") }
func (h stringColHandle) eraseRow(i int64) error      { return h.c.Erase(i) }

type binaryColHandle struct{ c *BinaryColumn }

func (h binaryColHandle) ref() ref                 { return h.c.Ref() }
func (h binaryColHandle) size() int64              { return h.c.Size() }
func (h binaryColHandle) insertDefault(i int64) error { return h.c.Insert(i, nil) }
func (h binaryColHandle) eraseRow(i int64) error      { return h.c.Erase(i) }

type linkColHandle struct{ c *LinkColumn }

func (h linkColHandle) ref() ref                 { return h.c.Ref() }
func (h linkColHandle) size() int64              { return h.c.Size() }
func (h linkColHandle) insertDefault(i int64) error {
	if err := h.c.Insert(i, nullLink); err != nil {
		return err
	}
	return nil
}
func (h linkColHandle) eraseRow(i int64) error { return h.c.Erase(i) }

// ColumnDef describes one column in a Table's schema, spec.md §4.E.
type ColumnDef struct {
	Name       string
	Type       ColumnType
	LinkTarget string // only meaningful when Type == ColumnTypeLink
}

// Spec is a table's schema: an ordered list of ColumnDefs, persisted
// by group.go's encodeSpec as a single opaque blob node. Grounded on the
// original_source descriptor.cpp's column-definition table, re-
// expressed here with this engine's column machinery instead of a
// bespoke descriptor format.
type Spec struct {
	alloc *Allocator
	defs  []ColumnDef
}

func newSpec(alloc *Allocator) *Spec {
	return &Spec{alloc: alloc}
}

func (s *Spec) AddColumn(def ColumnDef) int {
	s.defs = append(s.defs, def)
	return len(s.defs) - 1
}

func (s *Spec) ColumnCount() int          { return len(s.defs) }
func (s *Spec) ColumnDef(i int) ColumnDef { return s.defs[i] }

func (s *Spec) ColumnIndex(name string) int {
	for i, d := range s.defs {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// Table is a row/column accessor over a Spec plus one colHandle per
// column, per spec.md §4.E. Grounded on the teacher's Mari.go
// lifecycle (open/traverse/close around one coherent structure),
// generalized from a single key-value trie root to a schema plus a
// set of column trees that must all stay row-count-consistent.
type Table struct {
	alloc           *Allocator
	spec            *Spec
	cols            []colHandle
	maxSize         int
	instanceVersion uint64 // bumped whenever the schema changes; Row accessors compare against this
}

// NewTable creates an empty table with no columns yet.
func NewTable(alloc *Allocator, maxSize int) *Table {
	return &Table{alloc: alloc, spec: newSpec(alloc), maxSize: maxSize}
}

// AddColumn appends a new column to the schema and backfills default
// values for every existing row, per spec.md §4.E "AddColumn/EraseColumn".
func (t *Table) AddColumn(name string, typ ColumnType, linkTarget string) (int, error) {
	idx := t.spec.AddColumn(ColumnDef{Name: name, Type: typ, LinkTarget: linkTarget})

	h, err := t.newColumnHandle(typ, linkTarget)
	if err != nil {
		return -1, err
	}

	rows := t.NumRows()
	for i := int64(0); i < rows; i++ {
		if err := h.insertDefault(i); err != nil {
			return -1, err
		}
	}

	t.cols = append(t.cols, h)
	t.instanceVersion++
	return idx, nil
}

// EraseColumn drops a column from the schema entirely.
func (t *Table) EraseColumn(idx int) error {
	if idx < 0 || idx >= len(t.cols) {
		return pkgerrors.Wrapf(ErrIndexOutOfBounds, "EraseColumn(%d)", idx)
	}
	t.cols = append(t.cols[:idx], t.cols[idx+1:]...)
	t.spec.defs = append(t.spec.defs[:idx], t.spec.defs[idx+1:]...)
	t.instanceVersion++
	return nil
}

func (t *Table) newColumnHandle(typ ColumnType, linkTarget string) (colHandle, error) {
	switch typ {
	case ColumnTypeInt:
		c, err := NewIntColumn(t.alloc, t.maxSize)
		return intColHandle{c}, err
	case ColumnTypeBool:
		c, err := NewBoolColumn(t.alloc, t.maxSize)
		return boolColHandle{c}, err
	case ColumnTypeString:
		c, err := NewStringColumn(t.alloc, t.maxSize)
		return stringColHandle{c}, err
	case ColumnTypeBinary:
		c, err := NewBinaryColumn(t.alloc, t.maxSize)
		return binaryColHandle{c}, err
	case ColumnTypeTimestamp:
		c, err := NewTimestampColumn(t.alloc, t.maxSize)
		return tsColHandle{c}, err
	case ColumnTypeDouble:
		c, err := NewDoubleColumn(t.alloc, t.maxSize)
		return doubleColHandle{c}, err
	case ColumnTypeLink:
		c, err := NewLinkColumn(t.alloc, t.maxSize, linkTarget)
		return linkColHandle{c}, err
	default:
		return nil, errUnknownColumnType
	}
}

func (t *Table) NumRows() int64 {
	if len(t.cols) == 0 {
		return 0
	}
	return t.cols[0].size()
}

// InsertEmptyRow inserts a default-valued row at position i across
// every column in lockstep, spec.md §4.E.
func (t *Table) InsertEmptyRow(i int64) error {
	for _, h := range t.cols {
		if err := h.insertDefault(i); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) AddEmptyRow() (int64, error) {
	i := t.NumRows()
	return i, t.InsertEmptyRow(i)
}

// RemoveRow erases row i from every column.
func (t *Table) RemoveRow(i int64) error {
	if i < 0 || i >= t.NumRows() {
		return pkgerrors.Wrapf(ErrIndexOutOfBounds, "RemoveRow(%d)", i)
	}
	for _, h := range t.cols {
		if err := h.eraseRow(i); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) column(name string) (colHandle, int, error) {
	idx := t.spec.ColumnIndex(name)
	if idx < 0 {
		return nil, -1, pkgerrors.Wrapf(ErrNoSuchTable, "no such column %q", name)
	}
	return t.cols[idx], idx, nil
}

// IntColumn returns the named column as an *IntColumn, or an error if
// it isn't one (a stand-in for spec.md's StaleAccessor check: a Row
// accessor captured before an AddColumn/EraseColumn must re-resolve).
func (t *Table) IntColumn(name string) (*IntColumn, error) {
	h, _, err := t.column(name)
	if err != nil {
		return nil, err
	}
	v, ok := h.(intColHandle)
	if !ok {
		return nil, pkgerrors.Wrapf(ErrLogicError, "column %q is not Int", name)
	}
	return v.c, nil
}

func (t *Table) BoolColumn(name string) (*BoolColumn, error) {
	h, _, err := t.column(name)
	if err != nil {
		return nil, err
	}
	v, ok := h.(boolColHandle)
	if !ok {
		return nil, pkgerrors.Wrapf(ErrLogicError, "column %q is not Bool", name)
	}
	return v.c, nil
}

func (t *Table) StringColumn(name string) (*StringColumn, error) {
	h, _, err := t.column(name)
	if err != nil {
		return nil, err
	}
	v, ok := h.(stringColHandle)
	if !ok {
		return nil, pkgerrors.Wrapf(ErrLogicError, "column %q is not String", name)
	}
	return v.c, nil
}

func (t *Table) BinaryColumn(name string) (*BinaryColumn, error) {
	h, _, err := t.column(name)
	if err != nil {
		return nil, err
	}
	v, ok := h.(binaryColHandle)
	if !ok {
		return nil, pkgerrors.Wrapf(ErrLogicError, "column %q is not Binary", name)
	}
	return v.c, nil
}

func (t *Table) TimestampColumn(name string) (*TimestampColumn, error) {
	h, _, err := t.column(name)
	if err != nil {
		return nil, err
	}
	v, ok := h.(tsColHandle)
	if !ok {
		return nil, pkgerrors.Wrapf(ErrLogicError, "column %q is not Timestamp", name)
	}
	return v.c, nil
}

func (t *Table) DoubleColumn(name string) (*DoubleColumn, error) {
	h, _, err := t.column(name)
	if err != nil {
		return nil, err
	}
	v, ok := h.(doubleColHandle)
	if !ok {
		return nil, pkgerrors.Wrapf(ErrLogicError, "column %q is not Double", name)
	}
	return v.c, nil
}

func (t *Table) LinkColumn(name string) (*LinkColumn, error) {
	h, _, err := t.column(name)
	if err != nil {
		return nil, err
	}
	v, ok := h.(linkColHandle)
	if !ok {
		return nil, pkgerrors.Wrapf(ErrLogicError, "column %q is not Link", name)
	}
	return v.c, nil
}

// Row is a lightweight accessor bound to one table row, per spec.md
// §4.E. It caches the instance_version seen when created; any call
// made after the table's schema changed returns ErrStaleAccessor
// instead of silently reading the wrong column, per spec.md §8's
// "Row accessors... raise a distinct error rather than reading
// garbage after the column set changes."
type Row struct {
	table           *Table
	index           int64
	instanceVersion uint64
}

func (t *Table) RowAt(i int64) *Row {
	return &Row{table: t, index: i, instanceVersion: t.instanceVersion}
}

func (r *Row) checkFresh() error {
	if r.instanceVersion != r.table.instanceVersion {
		return ErrStaleAccessor
	}
	return nil
}

func (r *Row) Index() int64 { return r.index }

func (r *Row) GetInt(col string) (int64, error) {
	if err := r.checkFresh(); err != nil {
		return 0, err
	}
	c, err := r.table.IntColumn(col)
	if err != nil {
		return 0, err
	}
	return c.Get(r.index)
}

func (r *Row) SetInt(col string, v int64) error {
	if err := r.checkFresh(); err != nil {
		return err
	}
	c, err := r.table.IntColumn(col)
	if err != nil {
		return err
	}
	return c.Set(r.index, v)
}

func (r *Row) GetString(col string) (string, error) {
	if err := r.checkFresh(); err != nil {
		return "", err
	}
	c, err := r.table.StringColumn(col)
	if err != nil {
		return "", err
	}
	return c.Get(r.index)
}

func (r *Row) SetString(col string, v string) error {
	if err := r.checkFresh(); err != nil {
		return err
	}
	c, err := r.table.StringColumn(col)
	if err != nil {
		return err
	}
	return c.Set(r.index, v)
}
