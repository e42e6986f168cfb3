package tdbcore

import (
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Group is the in-memory view of a whole database: a named set of
// Tables, per spec.md §4.E. Grounded on the teacher's Mari.go, which
// holds exactly one such coherent root per open handle; generalized
// from a single trie root to a named table set.
//
// Group keeps its authoritative state as Go structs (map of name ->
// *Table) rather than continuously maintaining a persistent schema
// node tree; on each commit materializeTopRef assembles the real node
// graph (spec.md §3's required shape) from that state so the
// allocator's reachability walk can relocate it. This trades a closer
// structural mirror of spec.md §4.E's persistent Spec/Table node
// layout for a much simpler Go implementation; DESIGN.md records this
// as a deliberate simplification.
type Group struct {
	alloc   *Allocator
	maxSize int

	tables map[string]*Table
	order  []string
}

func NewGroup(alloc *Allocator, maxSize int) *Group {
	return &Group{alloc: alloc, maxSize: maxSize, tables: map[string]*Table{}}
}

func (g *Group) TableNames() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

func (g *Group) HasTable(name string) bool {
	_, ok := g.tables[name]
	return ok
}

func (g *Group) GetTable(name string) (*Table, error) {
	t, ok := g.tables[name]
	if !ok {
		return nil, pkgerrors.Wrapf(ErrNoSuchTable, "table %q", name)
	}
	return t, nil
}

func (g *Group) AddTable(name string) (*Table, error) {
	if g.HasTable(name) {
		return nil, pkgerrors.Wrapf(ErrLogicError, "table %q already exists", name)
	}
	t := NewTable(g.alloc, g.maxSize)
	g.tables[name] = t
	g.order = append(g.order, name)
	return t, nil
}

func (g *Group) RemoveTable(name string) error {
	if !g.HasTable(name) {
		return pkgerrors.Wrapf(ErrNoSuchTable, "table %q", name)
	}
	delete(g.tables, name)
	for i, n := range g.order {
		if n == name {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return nil
}

// encodeSpec serializes a Spec's column defs as a small opaque blob:
// "name,type,linkTarget;name,type,linkTarget;...". A real column-def
// table (descriptor.cpp's layout) would itself be a node array; this
// flat encoding is enough to round-trip a schema through the group's
// top-ref graph without building a fourth bespoke persistent format.
func encodeSpec(s *Spec) []byte {
	parts := make([]string, len(s.defs))
	for i, d := range s.defs {
		parts[i] = strings.Join([]string{d.Name, strconv.Itoa(int(d.Type)), d.LinkTarget}, ",")
	}
	return []byte(strings.Join(parts, ";"))
}

func decodeSpec(b []byte) ([]ColumnDef, error) {
	if len(b) == 0 {
		return nil, nil
	}
	parts := strings.Split(string(b), ";")
	defs := make([]ColumnDef, len(parts))
	for i, p := range parts {
		fields := strings.SplitN(p, ",", 3)
		if len(fields) != 3 {
			return nil, pkgerrors.Errorf("tdbcore: malformed spec entry %q", p)
		}
		typ, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "malformed column type in %q", p)
		}
		defs[i] = ColumnDef{Name: fields[0], Type: ColumnType(typ), LinkTarget: fields[2]}
	}
	return defs, nil
}

func writeBlob(alloc *Allocator, data []byte) (ref, error) {
	if len(data) == 0 {
		return nilRef, nil
	}
	hdr := nodeHeader{scheme: widthSchemeOpaque, size: uint32(len(data))}
	total := align8(nodeHeaderSize + len(data))
	r, buf, err := alloc.alloc(total)
	if err != nil {
		return nilRef, err
	}
	hdr.capacity = uint32(total - nodeHeaderSize)
	hb := encodeHeader(hdr)
	copy(buf[:nodeHeaderSize], hb[:])
	copy(buf[nodeHeaderSize:], data)
	return r, nil
}

func readBlob(alloc *Allocator, r ref) ([]byte, error) {
	if r == nilRef {
		return nil, nil
	}
	node, err := readNode(alloc, r)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), node.payload()[:node.hdr.payloadBytes()]...), nil
}

// materializeTable builds the persistent node for one table:
// [specBlobRef, col_0_ref, ..., col_{n-1}_ref].
func materializeTable(alloc *Allocator, t *Table) (ref, error) {
	specRef, err := writeBlob(alloc, encodeSpec(t.spec))
	if err != nil {
		return nilRef, err
	}

	n, err := newNode(alloc, true, false, 64, len(t.cols)+1)
	if err != nil {
		return nilRef, err
	}
	if err := n.AddRef(specRef); err != nil {
		return nilRef, err
	}
	for _, h := range t.cols {
		if err := n.AddRef(h.ref()); err != nil {
			return nilRef, err
		}
	}
	return n.Ref(), nil
}

// loadTable reconstructs a *Table from a node built by materializeTable.
func loadTable(alloc *Allocator, r ref, maxSize int) (*Table, error) {
	n, err := readNode(alloc, r)
	if err != nil {
		return nil, err
	}

	specBlob, err := readBlob(alloc, n.GetAsRef(0))
	if err != nil {
		return nil, err
	}
	defs, err := decodeSpec(specBlob)
	if err != nil {
		return nil, err
	}

	t := NewTable(alloc, maxSize)
	for i, d := range defs {
		colRef := n.GetAsRef(i + 1)
		h, err := loadColumnHandle(alloc, d.Type, colRef, maxSize, d.LinkTarget)
		if err != nil {
			return nil, err
		}
		t.spec.AddColumn(d)
		t.cols = append(t.cols, h)
	}
	return t, nil
}

func loadColumnHandle(alloc *Allocator, typ ColumnType, r ref, maxSize int, linkTarget string) (colHandle, error) {
	switch typ {
	case ColumnTypeInt:
		c, err := OpenIntColumn(alloc, r, maxSize)
		return intColHandle{c}, err
	case ColumnTypeBool:
		c, err := OpenBoolColumn(alloc, r, maxSize)
		return boolColHandle{c}, err
	case ColumnTypeString:
		c, err := OpenStringColumn(alloc, r, maxSize)
		return stringColHandle{c}, err
	case ColumnTypeBinary:
		c, err := OpenBinaryColumn(alloc, r, maxSize)
		return binaryColHandle{c}, err
	case ColumnTypeTimestamp:
		c, err := OpenTimestampColumn(alloc, r, maxSize)
		return tsColHandle{c}, err
	case ColumnTypeDouble:
		c, err := OpenDoubleColumn(alloc, r, maxSize)
		return doubleColHandle{c}, err
	case ColumnTypeLink:
		c, err := OpenLinkColumn(alloc, r, maxSize, linkTarget)
		return linkColHandle{c}, err
	default:
		return nil, errUnknownColumnType
	}
}

// materializeTopRef builds the group top node of spec.md §3's required
// fixed 7-field shape: [table_names_ref, tables_ref, free_positions_ref,
// free_sizes_ref, free_versions_ref, file_size, file_version]. The top
// node is a contextFlag array so the generic commit/reachability walk
// (alloc.go's refElementCount) treats its first five elements as refs
// and its last two as plain scalars. file_size is written as a 0
// placeholder: the true file size isn't known until writeAndCommit's
// post-order walk finishes (the top node is the last ref it assigns),
// so the caller (SharedGroup.Commit) patches it in afterward via
// Allocator.patchTopFileSize. file_version is known up front.
func (g *Group) materializeTopRef(fileVersion uint64) (ref, error) {
	namesRef, err := writeBlob(g.alloc, []byte(strings.Join(g.order, ";")))
	if err != nil {
		return nilRef, err
	}

	tables, err := newNode(g.alloc, true, false, 64, len(g.order))
	if err != nil {
		return nilRef, err
	}
	for _, name := range g.order {
		tRef, err := materializeTable(g.alloc, g.tables[name])
		if err != nil {
			return nilRef, err
		}
		if err := tables.AddRef(tRef); err != nil {
			return nilRef, err
		}
	}

	posRef, sizeRef, verRef, err := g.alloc.buildFreeListArrays()
	if err != nil {
		return nilRef, err
	}

	top, err := newContextNode(g.alloc, 64, topLayoutLen)
	if err != nil {
		return nilRef, err
	}
	for _, r := range []ref{namesRef, tables.Ref(), posRef, sizeRef, verRef} {
		if err := top.AddRef(r); err != nil {
			return nilRef, err
		}
	}
	if err := top.Add(0); err != nil { // file_size placeholder
		return nilRef, err
	}
	if err := top.Add(int64(fileVersion)); err != nil {
		return nilRef, err
	}

	return top.Ref(), nil
}

// loadGroup reconstructs a Group from a top ref written by a prior
// materializeTopRef/commit, per spec.md §3's fixed top-ref shape. It
// also repopulates alloc's read-only free list from the persisted
// free-list arrays, since every BeginRead/BeginWrite builds a fresh
// Allocator that otherwise has no memory of byte ranges earlier
// writers already freed (spec.md §8 Testable Property 3).
func loadGroup(alloc *Allocator, topRef ref, maxSize int) (*Group, error) {
	g := NewGroup(alloc, maxSize)
	if topRef == nilRef {
		return g, nil
	}

	top, err := readNode(alloc, topRef)
	if err != nil {
		return nil, err
	}

	namesBlob, err := readBlob(alloc, top.GetAsRef(topTableNamesIdx))
	if err != nil {
		return nil, err
	}
	var names []string
	if len(namesBlob) > 0 {
		names = strings.Split(string(namesBlob), ";")
	}

	tablesRef := top.GetAsRef(topTablesIdx)
	if tablesRef != nilRef {
		tables, err := readNode(alloc, tablesRef)
		if err != nil {
			return nil, err
		}
		for i, name := range names {
			t, err := loadTable(alloc, tables.GetAsRef(i), maxSize)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "load table %q", name)
			}
			g.tables[name] = t
			g.order = append(g.order, name)
		}
	}

	if err := alloc.loadFreeListArrays(
		top.GetAsRef(topFreePositionsIdx),
		top.GetAsRef(topFreeSizesIdx),
		top.GetAsRef(topFreeVersionsIdx),
	); err != nil {
		return nil, pkgerrors.Wrap(err, "load free-list arrays")
	}

	return g, nil
}
