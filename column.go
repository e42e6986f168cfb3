package tdbcore

import (
	"math"

	pkgerrors "github.com/pkg/errors"
)

// nullLink marks an unset link column entry, per spec.md §4.D's link
// column notes ("a null link is represented out of band from valid
// row indexes").
const nullLink int64 = -1

// column is the common shape every typed column façade embeds: a
// single B+-tree of int64 elements. spec.md §4.D describes Int/Bool/
// Timestamp/Float/Double/Link columns as differing only in how a
// caller interprets each element, not in the underlying tree, so one
// engine backs all of them (grounded on the teacher's single Node
// shape serving every key/value pair in Operation.go).
type column struct {
	tree *bpTree
}

func newColumn(alloc *Allocator, maxSize int) (*column, error) {
	t, err := newBPTree(alloc, maxSize)
	if err != nil {
		return nil, err
	}
	return &column{tree: t}, nil
}

func openColumn(alloc *Allocator, r ref, maxSize int) (*column, error) {
	t, err := openBPTree(alloc, r, maxSize)
	if err != nil {
		return nil, err
	}
	return &column{tree: t}, nil
}

func (c *column) Ref() ref    { return c.tree.RootRef() }
func (c *column) Size() int64 { return c.tree.Size() }

func (c *column) get(i int64) (int64, error)       { return c.tree.Get(i) }
func (c *column) set(i int64, v int64) error        { return c.tree.Set(i, v) }
func (c *column) insert(i int64, v int64) error     { return c.tree.Insert(i, v) }
func (c *column) appendRaw(v int64) error           { return c.tree.Append(v) }
func (c *column) erase(i int64) error               { return c.tree.Erase(i) }

// IntColumn stores signed 64-bit integers, spec.md §4.D.
type IntColumn struct{ *column }

func NewIntColumn(alloc *Allocator, maxSize int) (*IntColumn, error) {
	c, err := newColumn(alloc, maxSize)
	return &IntColumn{c}, err
}
func OpenIntColumn(alloc *Allocator, r ref, maxSize int) (*IntColumn, error) {
	c, err := openColumn(alloc, r, maxSize)
	return &IntColumn{c}, err
}

func (c *IntColumn) Get(i int64) (int64, error)    { return c.get(i) }
func (c *IntColumn) Set(i int64, v int64) error    { return c.set(i, v) }
func (c *IntColumn) Insert(i int64, v int64) error { return c.insert(i, v) }
func (c *IntColumn) Append(v int64) error          { return c.appendRaw(v) }
func (c *IntColumn) Erase(i int64) error            { return c.erase(i) }

// FindFirst returns the first index holding v, or -1.
func (c *IntColumn) FindFirst(v int64) (int64, error) {
	n := c.Size()
	for i := int64(0); i < n; i++ {
		got, err := c.get(i)
		if err != nil {
			return -1, err
		}
		if got == v {
			return i, nil
		}
	}
	return -1, nil
}

// FindAll returns every index holding v.
func (c *IntColumn) FindAll(v int64) ([]int64, error) {
	var out []int64
	n := c.Size()
	for i := int64(0); i < n; i++ {
		got, err := c.get(i)
		if err != nil {
			return nil, err
		}
		if got == v {
			out = append(out, i)
		}
	}
	return out, nil
}

func (c *IntColumn) Count(v int64) (int64, error) {
	all, err := c.FindAll(v)
	return int64(len(all)), err
}

func (c *IntColumn) Sum() (int64, error) {
	var sum int64
	n := c.Size()
	for i := int64(0); i < n; i++ {
		v, err := c.get(i)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum, nil
}

func (c *IntColumn) Min() (int64, bool, error) {
	n := c.Size()
	if n == 0 {
		return 0, false, nil
	}
	min, err := c.get(0)
	if err != nil {
		return 0, false, err
	}
	for i := int64(1); i < n; i++ {
		v, err := c.get(i)
		if err != nil {
			return 0, false, err
		}
		if v < min {
			min = v
		}
	}
	return min, true, nil
}

func (c *IntColumn) Max() (int64, bool, error) {
	n := c.Size()
	if n == 0 {
		return 0, false, nil
	}
	max, err := c.get(0)
	if err != nil {
		return 0, false, err
	}
	for i := int64(1); i < n; i++ {
		v, err := c.get(i)
		if err != nil {
			return 0, false, err
		}
		if v > max {
			max = v
		}
	}
	return max, true, nil
}

func (c *IntColumn) Avg() (float64, bool, error) {
	n := c.Size()
	if n == 0 {
		return 0, false, nil
	}
	sum, err := c.Sum()
	if err != nil {
		return 0, false, err
	}
	return float64(sum) / float64(n), true, nil
}

// BoolColumn stores booleans as 0/1 in the shared integer column engine.
type BoolColumn struct{ *column }

func NewBoolColumn(alloc *Allocator, maxSize int) (*BoolColumn, error) {
	c, err := newColumn(alloc, maxSize)
	return &BoolColumn{c}, err
}
func OpenBoolColumn(alloc *Allocator, r ref, maxSize int) (*BoolColumn, error) {
	c, err := openColumn(alloc, r, maxSize)
	return &BoolColumn{c}, err
}

func (c *BoolColumn) Get(i int64) (bool, error) {
	v, err := c.get(i)
	return v != 0, err
}
func (c *BoolColumn) Set(i int64, v bool) error { return c.set(i, boolToInt(v)) }
func (c *BoolColumn) Insert(i int64, v bool) error {
	return c.insert(i, boolToInt(v))
}
func (c *BoolColumn) Append(v bool) error { return c.appendRaw(boolToInt(v)) }
func (c *BoolColumn) Erase(i int64) error { return c.erase(i) }

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// TimestampColumn stores Unix nanoseconds as an int64, spec.md §4.D.
type TimestampColumn struct{ *column }

func NewTimestampColumn(alloc *Allocator, maxSize int) (*TimestampColumn, error) {
	c, err := newColumn(alloc, maxSize)
	return &TimestampColumn{c}, err
}
func OpenTimestampColumn(alloc *Allocator, r ref, maxSize int) (*TimestampColumn, error) {
	c, err := openColumn(alloc, r, maxSize)
	return &TimestampColumn{c}, err
}

func (c *TimestampColumn) Get(i int64) (int64, error)    { return c.get(i) }
func (c *TimestampColumn) Set(i int64, unixNano int64) error { return c.set(i, unixNano) }
func (c *TimestampColumn) Insert(i int64, unixNano int64) error {
	return c.insert(i, unixNano)
}
func (c *TimestampColumn) Append(unixNano int64) error { return c.appendRaw(unixNano) }
func (c *TimestampColumn) Erase(i int64) error          { return c.erase(i) }

// DoubleColumn stores float64 values bit-reinterpreted as int64.
type DoubleColumn struct{ *column }

func NewDoubleColumn(alloc *Allocator, maxSize int) (*DoubleColumn, error) {
	c, err := newColumn(alloc, maxSize)
	return &DoubleColumn{c}, err
}
func OpenDoubleColumn(alloc *Allocator, r ref, maxSize int) (*DoubleColumn, error) {
	c, err := openColumn(alloc, r, maxSize)
	return &DoubleColumn{c}, err
}

func (c *DoubleColumn) Get(i int64) (float64, error) {
	raw, err := c.get(i)
	return math.Float64frombits(uint64(raw)), err
}
func (c *DoubleColumn) Set(i int64, v float64) error {
	return c.set(i, int64(math.Float64bits(v)))
}
func (c *DoubleColumn) Insert(i int64, v float64) error {
	return c.insert(i, int64(math.Float64bits(v)))
}
func (c *DoubleColumn) Append(v float64) error {
	return c.appendRaw(int64(math.Float64bits(v)))
}
func (c *DoubleColumn) Erase(i int64) error { return c.erase(i) }

func (c *DoubleColumn) Sum() (float64, error) {
	var sum float64
	n := c.Size()
	for i := int64(0); i < n; i++ {
		v, err := c.Get(i)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum, nil
}

func (c *DoubleColumn) Avg() (float64, bool, error) {
	n := c.Size()
	if n == 0 {
		return 0, false, nil
	}
	sum, err := c.Sum()
	if err != nil {
		return 0, false, err
	}
	return sum / float64(n), true, nil
}

// LinkColumn stores row indexes into another table, or nullLink.
type LinkColumn struct {
	*column
	targetTable string
}

func NewLinkColumn(alloc *Allocator, maxSize int, targetTable string) (*LinkColumn, error) {
	c, err := newColumn(alloc, maxSize)
	return &LinkColumn{column: c, targetTable: targetTable}, err
}
func OpenLinkColumn(alloc *Allocator, r ref, maxSize int, targetTable string) (*LinkColumn, error) {
	c, err := openColumn(alloc, r, maxSize)
	return &LinkColumn{column: c, targetTable: targetTable}, err
}

func (c *LinkColumn) Get(i int64) (row int64, isNull bool, err error) {
	v, err := c.get(i)
	if err != nil {
		return 0, false, err
	}
	if v == nullLink {
		return 0, true, nil
	}
	return v, false, nil
}
func (c *LinkColumn) SetNull(i int64) error     { return c.set(i, nullLink) }
func (c *LinkColumn) Set(i int64, row int64) error { return c.set(i, row) }
func (c *LinkColumn) AppendNull() error          { return c.appendRaw(nullLink) }
func (c *LinkColumn) Append(row int64) error     { return c.appendRaw(row) }
func (c *LinkColumn) Erase(i int64) error         { return c.erase(i) }

// blobColumn is the shared representation for String/Binary columns of
// spec.md §4.D: a bpTree of refs, one dedicated opaque-scheme node per
// value. spec.md §4.D itself describes a two-level layout — a packed
// offsets array plus a shared blob buffer for small values, falling
// over to a distinct big-blob leaf kind past a 63-byte threshold,
// matching original_source/src/tightdb/column_binary.hpp's small-value
// path and array_blobs_big.cpp's big-value path. This is a deliberate
// simplification of that: every value gets its own node regardless of
// size, so there is no small/big split and no shared-buffer packing to
// keep the offsets array in sync with. It costs 8 bytes of node header
// per value that the packed form would have amortized across a whole
// leaf, and gives up sharing unused trailing capacity across values;
// DESIGN.md records this as accepted, since the packed form would also
// restructure the "one bpTree ref per row" model every other column
// type in this file relies on.
type blobColumn struct {
	alloc *Allocator
	tree  *bpTree
}

func newBlobColumn(alloc *Allocator, maxSize int) (*blobColumn, error) {
	t, err := newBPTree(alloc, maxSize)
	if err != nil {
		return nil, err
	}
	return &blobColumn{alloc: alloc, tree: t}, nil
}

func openBlobColumn(alloc *Allocator, r ref, maxSize int) (*blobColumn, error) {
	t, err := openBPTree(alloc, r, maxSize)
	if err != nil {
		return nil, err
	}
	return &blobColumn{alloc: alloc, tree: t}, nil
}

func (c *blobColumn) Ref() ref    { return c.tree.RootRef() }
func (c *blobColumn) Size() int64 { return c.tree.Size() }

func (c *blobColumn) get(i int64) ([]byte, error) {
	r, err := c.tree.Get(i)
	if err != nil {
		return nil, err
	}
	if ref(r) == nilRef {
		return nil, nil
	}
	node, err := readNode(c.alloc, ref(r))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), node.payload()[:node.hdr.payloadBytes()]...), nil
}

func (c *blobColumn) newBlobRef(data []byte) (ref, error) {
	if len(data) == 0 {
		return nilRef, nil
	}
	hdr := nodeHeader{scheme: widthSchemeOpaque, size: uint32(len(data))}
	total := align8(nodeHeaderSize + len(data))
	r, buf, err := c.alloc.alloc(total)
	if err != nil {
		return nilRef, err
	}
	hdr.capacity = uint32(total - nodeHeaderSize)
	hb := encodeHeader(hdr)
	copy(buf[:nodeHeaderSize], hb[:])
	copy(buf[nodeHeaderSize:], data)
	return r, nil
}

func (c *blobColumn) insert(i int64, data []byte) error {
	r, err := c.newBlobRef(data)
	if err != nil {
		return err
	}
	return c.tree.Insert(i, int64(r))
}

func (c *blobColumn) set(i int64, data []byte) error {
	r, err := c.newBlobRef(data)
	if err != nil {
		return err
	}
	return c.tree.Set(i, int64(r))
}

func (c *blobColumn) appendRaw(data []byte) error {
	return c.insert(c.Size(), data)
}

func (c *blobColumn) erase(i int64) error { return c.tree.Erase(i) }

// StringColumn stores UTF-8 strings, spec.md §4.D.
type StringColumn struct{ *blobColumn }

func NewStringColumn(alloc *Allocator, maxSize int) (*StringColumn, error) {
	c, err := newBlobColumn(alloc, maxSize)
	return &StringColumn{c}, err
}
func OpenStringColumn(alloc *Allocator, r ref, maxSize int) (*StringColumn, error) {
	c, err := openBlobColumn(alloc, r, maxSize)
	return &StringColumn{c}, err
}

func (c *StringColumn) Get(i int64) (string, error) {
	b, err := c.get(i)
	return string(b), err
}
func (c *StringColumn) Set(i int64, v string) error    { return c.set(i, []byte(v)) }
func (c *StringColumn) Insert(i int64, v string) error { return c.insert(i, []byte(v)) }
func (c *StringColumn) Append(v string) error          { return c.appendRaw([]byte(v)) }
func (c *StringColumn) Erase(i int64) error              { return c.erase(i) }

func (c *StringColumn) FindFirst(v string) (int64, error) {
	n := c.Size()
	for i := int64(0); i < n; i++ {
		got, err := c.Get(i)
		if err != nil {
			return -1, err
		}
		if got == v {
			return i, nil
		}
	}
	return -1, nil
}

// BinaryColumn stores raw byte blobs, spec.md §4.D.
type BinaryColumn struct{ *blobColumn }

func NewBinaryColumn(alloc *Allocator, maxSize int) (*BinaryColumn, error) {
	c, err := newBlobColumn(alloc, maxSize)
	return &BinaryColumn{c}, err
}
func OpenBinaryColumn(alloc *Allocator, r ref, maxSize int) (*BinaryColumn, error) {
	c, err := openBlobColumn(alloc, r, maxSize)
	return &BinaryColumn{c}, err
}

func (c *BinaryColumn) Get(i int64) ([]byte, error)        { return c.get(i) }
func (c *BinaryColumn) Set(i int64, v []byte) error        { return c.set(i, v) }
func (c *BinaryColumn) Insert(i int64, v []byte) error     { return c.insert(i, v) }
func (c *BinaryColumn) Append(v []byte) error              { return c.appendRaw(v) }
func (c *BinaryColumn) Erase(i int64) error                 { return c.erase(i) }

// ColumnType enumerates the column kinds a Spec node can describe,
// spec.md §4.E.
type ColumnType uint8

const (
	ColumnTypeInt ColumnType = iota
	ColumnTypeBool
	ColumnTypeString
	ColumnTypeBinary
	ColumnTypeTimestamp
	ColumnTypeDouble
	ColumnTypeLink
)

func (t ColumnType) String() string {
	switch t {
	case ColumnTypeInt:
		return "Int"
	case ColumnTypeBool:
		return "Bool"
	case ColumnTypeString:
		return "String"
	case ColumnTypeBinary:
		return "Binary"
	case ColumnTypeTimestamp:
		return "Timestamp"
	case ColumnTypeDouble:
		return "Double"
	case ColumnTypeLink:
		return "Link"
	default:
		return "Unknown"
	}
}

var errUnknownColumnType = pkgerrors.New("tdbcore: unknown column type")
