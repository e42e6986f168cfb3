package tdbcore

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// freeBlock is a writable-free-list entry: a byte range inside a slab
// that is currently unused, per SPEC_FULL.md §4.B.
type freeBlock struct {
	start ref
	size  uint64
}

// roFreeBlock is a read-only-free-list entry: a byte range inside the
// mapped file that became free at writeVersion and can only be reused
// once no live reader holds a snapshot at or before that version
// (spec.md §4.B "Free()").
type roFreeBlock struct {
	start   ref
	size    uint64
	version uint64
}

// slab is a writer-private buffer backing a contiguous range of the
// logical ref space, per spec.md's GLOSSARY. Grounded on the teacher's
// single growable mmap region, generalized into the spec's explicit
// multi-slab model (alloc_slab.hpp's m_slabs table).
type slab struct {
	logicalStart uint64
	data         []byte
}

func (s *slab) logicalEnd() uint64 { return s.logicalStart + uint64(len(s.data)) }

// Allocator is the slab allocator of SPEC_FULL.md §4.B: it translates
// refs to byte slices, allocates/frees/reallocs transient nodes, and
// serializes reachable nodes to the file on commit. Grounded on
// Mari.go/IOUtils.go's resize-on-demand mmap ownership, generalized
// from "the whole mmap is the one writable region" (the teacher's HAMT
// path-copy model writes straight into the live mmap) to true
// writer-private slabs per spec.md §3/§4.B, since the teacher's
// single-mapping model cannot support the free-list/slab-boundary
// invariants the spec requires.
type Allocator struct {
	mapping Mapping

	baseline          uint64
	fileFormatVersion uint8

	slabs        []*slab
	writableFree []freeBlock
	readOnlyFree []roFreeBlock

	// writeVersion tags read-only blocks freed during the in-progress
	// write transaction, so they aren't reused by a reader that began
	// before this transaction committed.
	writeVersion uint64

	scratch *nodeScratchPool
	log     zerolog.Logger
}

func newAllocator(mapping Mapping, baseline uint64, formatVersion uint8, log zerolog.Logger) *Allocator {
	return &Allocator{
		mapping:           mapping,
		baseline:          baseline,
		fileFormatVersion: formatVersion,
		scratch:           newNodeScratchPool(),
		log:               log,
	}
}

func (a *Allocator) isReadOnly(r ref) bool { return uint64(r) < a.baseline }

// refElementCount returns how many leading elements of a hasRefs node
// array are child refs to walk/relocate, versus trailing plain scalars
// the generic commit/reachability walk must skip. A bpTree inner node
// carries one trailing total-row-count scalar (isInnerBPNode); the
// group top node carries two trailing scalars, file_size and
// file_version (contextFlag), per spec.md §3's fixed top-ref shape.
func refElementCount(hdr nodeHeader) int {
	n := int(hdr.size)
	switch {
	case hdr.isInnerBPNode:
		n--
	case hdr.contextFlag:
		n -= 2
	}
	if n < 0 {
		n = 0
	}
	return n
}

// translate resolves ref to a byte slice of exactly size bytes,
// per spec.md §4.B's translate(ref) -> ptr.
func (a *Allocator) translate(r ref, size int) ([]byte, error) {
	if size < 0 {
		return nil, pkgerrors.Errorf("tdbcore: negative translate size for ref %d", r)
	}

	if a.isReadOnly(r) {
		b := a.mapping.Bytes()
		start := int(r)
		if start+size > len(b) {
			return nil, pkgerrors.Errorf("tdbcore: ref %d+%d out of mapped range (%d)", r, size, len(b))
		}
		return b[start : start+size], nil
	}

	idx := a.slabContaining(uint64(r))
	if idx < 0 {
		return nil, pkgerrors.Errorf("tdbcore: ref %d does not resolve into any slab", r)
	}

	s := a.slabs[idx]
	off := uint64(r) - s.logicalStart
	if off+uint64(size) > uint64(len(s.data)) {
		return nil, pkgerrors.Errorf("tdbcore: ref %d+%d exceeds slab bounds", r, size)
	}

	return s.data[off : off+uint64(size)], nil
}

// slabContaining returns the index of the slab whose logical range
// contains offset, or -1. Slabs are kept sorted by logicalStart so
// this is a binary search, per spec.md §4.B's "binary-search slabs".
func (a *Allocator) slabContaining(offset uint64) int {
	i := sort.Search(len(a.slabs), func(i int) bool {
		return a.slabs[i].logicalEnd() > offset
	})
	if i < len(a.slabs) && a.slabs[i].logicalStart <= offset {
		return i
	}
	return -1
}

// alloc rounds size up to 8 and returns a fresh writable ref of that
// size, per spec.md §4.B: first-fit scan of the writable free list,
// then grow a new slab on miss.
func (a *Allocator) alloc(size int) (ref, []byte, error) {
	size = align8(size)
	if size == 0 {
		size = 8 // §8 boundary: a 0-length request still rounds to 8.
	}

	for i, fb := range a.writableFree {
		if fb.size < uint64(size) {
			continue
		}

		r := fb.start
		remaining := fb.size - uint64(size)
		if remaining > 0 {
			a.writableFree[i] = freeBlock{start: r + ref(size), size: remaining}
		} else {
			a.writableFree = append(a.writableFree[:i], a.writableFree[i+1:]...)
		}

		buf, err := a.translate(r, size)
		if err != nil {
			return nilRef, nil, err
		}
		return r, buf, nil
	}

	if err := a.growSlab(size); err != nil {
		return nilRef, nil, err
	}

	return a.alloc(size)
}

// growSlab appends a new slab sized per spec.md §4.B's policy:
// max(request, 2*last_slab_size, MIN_SLAB).
func (a *Allocator) growSlab(request int) error {
	lastSize := minSlabSize
	if n := len(a.slabs); n > 0 {
		lastSize = len(a.slabs[n-1].data)
	}

	size := request
	if 2*lastSize > size {
		size = 2 * lastSize
	}
	if minSlabSize > size {
		size = minSlabSize
	}
	size = align8(size)

	logicalStart := a.baseline
	if n := len(a.slabs); n > 0 {
		logicalStart = a.slabs[n-1].logicalEnd()
	}

	s := &slab{logicalStart: logicalStart, data: make([]byte, size)}
	a.slabs = append(a.slabs, s)
	a.writableFree = append(a.writableFree, freeBlock{start: ref(logicalStart), size: uint64(size)})

	a.log.Debug().Uint64("logicalStart", logicalStart).Int("size", size).Msg("allocator grew a slab")
	return nil
}

// free releases [r, r+size). Read-only refs are recorded in the
// versioned read-only free list; writable refs are coalesced with
// adjacent free blocks, never across a slab or the baseline boundary,
// per spec.md §4.B.
func (a *Allocator) free(r ref, size uint64) error {
	size = uint64(align8(int(size)))

	if a.isReadOnly(r) {
		a.readOnlyFree = append(a.readOnlyFree, roFreeBlock{start: r, size: size, version: a.writeVersion})
		return nil
	}

	idx := a.slabContaining(uint64(r))
	if idx < 0 {
		return pkgerrors.Errorf("tdbcore: free() on ref %d outside any slab", r)
	}
	s := a.slabs[idx]

	newBlock := freeBlock{start: r, size: size}

	merged := true
	for merged {
		merged = false
		for i, fb := range a.writableFree {
			if uint64(fb.start) < s.logicalStart || uint64(fb.start) >= s.logicalEnd() {
				continue // never merge across slab boundaries
			}

			switch {
			case uint64(fb.start)+fb.size == uint64(newBlock.start):
				newBlock = freeBlock{start: fb.start, size: fb.size + newBlock.size}
				a.writableFree = append(a.writableFree[:i], a.writableFree[i+1:]...)
				merged = true
			case uint64(newBlock.start)+newBlock.size == uint64(fb.start):
				newBlock = freeBlock{start: newBlock.start, size: newBlock.size + fb.size}
				a.writableFree = append(a.writableFree[:i], a.writableFree[i+1:]...)
				merged = true
			}

			if merged {
				break
			}
		}
	}

	a.writableFree = append(a.writableFree, newBlock)
	return nil
}

// releaseReadOnlyBefore drops read-only free entries whose version is
// strictly less than the oldest version any live reader might still
// observe (spec.md §4.B "released only once no live reader holds a
// snapshot <= that version"). This engine does not reclaim file-
// resident ranges for reuse as new writable allocations (the single
// monotonic baseline scalar can't represent "this sub-range below baseline is
// writable again" without per-range tracking), so for those entries
// reuse was never on the table regardless of reader version. What this
// call buys is bounding the size of the free-list arrays Commit
// persists into the top node: entries no reader can possibly still
// need are dropped before buildFreeListArrays serializes what's left,
// per spec.md §8 Testable Property 3's closure requirement applying to
// currently-live free ranges, not an unbounded history of every range
// ever freed. SharedGroup.Commit calls this once it knows the oldest
// pinned reader version via lockFile.oldestReaderVersion.
func (a *Allocator) releaseReadOnlyBefore(minAliveVersion uint64) {
	kept := a.readOnlyFree[:0]
	for _, fb := range a.readOnlyFree {
		if fb.version < minAliveVersion {
			continue
		}
		kept = append(kept, fb)
	}
	a.readOnlyFree = kept
}

// realloc grows or shrinks a node's storage. If the allocation has
// trailing free space that can absorb the new size it is extended in
// place; otherwise a fresh block is allocated and the old bytes
// copied over, per spec.md §4.B.
func (a *Allocator) realloc(r ref, oldSize, newSize int) (ref, []byte, error) {
	oldSize = align8(oldSize)
	newSize = align8(newSize)

	if newSize <= oldSize {
		buf, err := a.translate(r, oldSize)
		if err != nil {
			return nilRef, nil, err
		}
		return r, buf[:newSize], nil
	}

	if !a.isReadOnly(r) {
		idx := a.slabContaining(uint64(r))
		if idx >= 0 {
			s := a.slabs[idx]
			trailingStart := uint64(r) + uint64(oldSize)
			for i, fb := range a.writableFree {
				if uint64(fb.start) != trailingStart {
					continue
				}
				extra := uint64(newSize - oldSize)
				if fb.size < extra {
					continue
				}

				if fb.size == extra {
					a.writableFree = append(a.writableFree[:i], a.writableFree[i+1:]...)
				} else {
					a.writableFree[i] = freeBlock{start: fb.start + ref(extra), size: fb.size - extra}
				}

				buf, err := a.translate(r, newSize)
				if err != nil {
					return nilRef, nil, err
				}
				_ = s
				return r, buf, nil
			}
		}
	}

	newRef, newBuf, err := a.alloc(newSize)
	if err != nil {
		return nilRef, nil, err
	}

	oldBuf, err := a.translate(r, oldSize)
	if err != nil {
		return nilRef, nil, err
	}
	copy(newBuf, oldBuf)

	if err := a.free(r, uint64(oldSize)); err != nil {
		return nilRef, nil, err
	}

	return newRef, newBuf, nil
}

// writeAndCommit walks all nodes reachable from topRef that live in
// slab memory, assigns each a new file offset in post-order, rewrites
// child-ref fields to those offsets, appends the bytes to the mapping,
// and returns the final offset assigned to the logical top node, per
// spec.md §4.B.
func (a *Allocator) writeAndCommit(topRef ref) (ref, error) {
	cursor := uint64(a.mapping.Len())
	visited := map[ref]ref{}

	newTop, appended, err := a.commitNode(topRef, &cursor, visited)
	if err != nil {
		return nilRef, err
	}

	if len(appended) > 0 {
		if err := a.mapping.Remap(int(cursor)); err != nil {
			return nilRef, err
		}
		dst := a.mapping.Bytes()
		for _, w := range appended {
			copy(dst[w.offset:w.offset+uint64(len(w.bytes))], w.bytes)
			a.scratch.put(w.bytes)
		}
		if err := a.mapping.Flush(appended[0].offset, cursor); err != nil {
			return nilRef, err
		}
	}

	a.baseline = cursor
	a.slabs = nil
	a.writableFree = nil

	return newTop, nil
}

type pendingWrite struct {
	offset uint64
	bytes  []byte
}

// commitNode performs the post-order walk described in writeAndCommit.
// Nodes already on the file (ref < baseline) are left untouched and
// returned as-is: unmodified subtrees are structurally shared across
// versions, which is the whole point of copy-on-write.
func (a *Allocator) commitNode(r ref, cursor *uint64, visited map[ref]ref) (ref, []pendingWrite, error) {
	if a.isReadOnly(r) {
		return r, nil, nil
	}
	if newR, ok := visited[r]; ok {
		return newR, nil, nil
	}

	hdrBytes, err := a.translate(r, nodeHeaderSize)
	if err != nil {
		return nilRef, nil, err
	}
	hdr := decodeHeader(hdrBytes)
	total := hdr.totalBytes()

	full, err := a.translate(r, total)
	if err != nil {
		return nilRef, nil, err
	}
	buf := a.scratch.get(total)
	copy(buf, full)

	var writes []pendingWrite

	if hdr.hasRefs {
		refCount := refElementCount(hdr)

		for i := 0; i < refCount; i++ {
			child := ref(getElementRaw(buf[nodeHeaderSize:], hdr, i))
			if child == nilRef {
				continue
			}

			newChild, childWrites, err := a.commitNode(child, cursor, visited)
			if err != nil {
				return nilRef, nil, err
			}
			setElementRaw(buf[nodeHeaderSize:], hdr, i, uint64(newChild))
			writes = append(writes, childWrites...)
		}
	}

	newOffset := *cursor
	*cursor += uint64(total)
	visited[r] = ref(newOffset)
	writes = append(writes, pendingWrite{offset: newOffset, bytes: buf})

	return ref(newOffset), writes, nil
}

// patchTopFileSize overwrites the file_size field of an already-
// committed top node in place. materializeTopRef has to write a 0
// placeholder there because the final file size is only known once
// writeAndCommit's post-order walk has assigned every reachable node
// an offset — and the top node itself is the very last one assigned,
// so file_size cannot be threaded in beforehand. Once the ref is
// committed (and therefore read-only) its bytes are a fixed file
// range, so this patches that one field directly and recomputes the
// node's debug checksum the same way Node.writeHeader does.
func (a *Allocator) patchTopFileSize(topRef ref, fileSize uint64) error {
	hdrBytes, err := a.translate(topRef, nodeHeaderSize)
	if err != nil {
		return err
	}
	hdr := decodeHeader(hdrBytes)

	full, err := a.translate(topRef, hdr.totalBytes())
	if err != nil {
		return err
	}

	setElementRaw(full[nodeHeaderSize:], hdr, topFileSizeIdx, fileSize)
	hdr.checksum = byte(xxhash.Sum64(full[nodeHeaderSize:hdr.totalBytes()]))
	hb := encodeHeader(hdr)
	copy(full[:nodeHeaderSize], hb[:])

	return a.mapping.Flush(uint64(topRef), uint64(topRef)+uint64(hdr.totalBytes()))
}

// buildFreeListArrays persists the allocator's current read-only free
// list into three flat, parallel node arrays (start positions, sizes,
// versions) so materializeTopRef can wire them into the group top node
// and a later loadGroup can reload them, per spec.md §4.B's free-list
// persistence and §8 Testable Property 3 ("free-list closure"):
// without this, every COW/widen/realloc of an on-file node leaks that
// byte range the moment the process reopens the file.
func (a *Allocator) buildFreeListArrays() (posRef, sizeRef, verRef ref, err error) {
	n := len(a.readOnlyFree)

	pos, err := newNode(a, false, false, 64, n)
	if err != nil {
		return nilRef, nilRef, nilRef, err
	}
	sizes, err := newNode(a, false, false, 64, n)
	if err != nil {
		return nilRef, nilRef, nilRef, err
	}
	vers, err := newNode(a, false, false, 64, n)
	if err != nil {
		return nilRef, nilRef, nilRef, err
	}

	for _, fb := range a.readOnlyFree {
		if err := pos.Add(int64(fb.start)); err != nil {
			return nilRef, nilRef, nilRef, err
		}
		if err := sizes.Add(int64(fb.size)); err != nil {
			return nilRef, nilRef, nilRef, err
		}
		if err := vers.Add(int64(fb.version)); err != nil {
			return nilRef, nilRef, nilRef, err
		}
	}

	return pos.Ref(), sizes.Ref(), vers.Ref(), nil
}

// loadFreeListArrays is buildFreeListArrays' inverse: it reads the
// three parallel arrays back out of the committed file and repopulates
// readOnlyFree, so a freshly opened Allocator (every BeginRead/
// BeginWrite constructs one via newAllocator) knows about byte ranges
// earlier writers already freed but that no live reader may yet be
// past. Called from loadGroup, which already holds the refs.
func (a *Allocator) loadFreeListArrays(posRef, sizeRef, verRef ref) error {
	if posRef == nilRef {
		return nil
	}

	pos, err := readNode(a, posRef)
	if err != nil {
		return pkgerrors.Wrap(err, "load free-list positions")
	}
	sizes, err := readNode(a, sizeRef)
	if err != nil {
		return pkgerrors.Wrap(err, "load free-list sizes")
	}
	vers, err := readNode(a, verRef)
	if err != nil {
		return pkgerrors.Wrap(err, "load free-list versions")
	}

	n := pos.Len()
	free := make([]roFreeBlock, 0, n)
	for i := 0; i < n; i++ {
		free = append(free, roFreeBlock{
			start:   ref(pos.Get(i)),
			size:    uint64(sizes.Get(i)),
			version: uint64(vers.Get(i)),
		})
	}
	a.readOnlyFree = free
	return nil
}

// walkReachable post-order-walks every node reachable from root and
// returns a map of ref -> byte length, used by Verify/IsAllFree to
// check spec.md §8 Testable Property 3 ("free-list closure": every
// writable byte is either free or reachable).
func walkReachable(a *Allocator, root ref) (map[ref]int, error) {
	reached := map[ref]int{}
	var walk func(r ref) error
	walk = func(r ref) error {
		if r == nilRef {
			return nil
		}
		if _, ok := reached[r]; ok {
			return nil
		}

		hdrBytes, err := a.translate(r, nodeHeaderSize)
		if err != nil {
			return err
		}
		hdr := decodeHeader(hdrBytes)
		reached[r] = hdr.totalBytes()

		if hdr.hasRefs {
			full, err := a.translate(r, hdr.totalBytes())
			if err != nil {
				return err
			}
			for i := 0; i < refElementCount(hdr); i++ {
				child := ref(getElementRaw(full[nodeHeaderSize:], hdr, i))
				if err := walk(child); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(root); err != nil {
		return nil, err
	}
	return reached, nil
}

// Verify checks the free-list-closure invariant (spec.md §8 property
// 3) against the given root, for use by the test suite when
// Options.Debug is set: every byte in every writable slab is either on
// the writable free list or reachable from root. Exported so callers
// besides Commit (e.g. tests exercising a WriteTransaction directly)
// can assert it without reaching into package internals.
func (a *Allocator) Verify(root ref) error {
	return a.verify(func() (map[ref]int, error) { return walkReachable(a, root) })
}

// IsAllFree reports whether every slab the allocator currently owns is
// entirely covered by the writable free list, i.e. nothing is
// reachable from any live root. Used by tests asserting that dropping
// every table (or closing and reopening across a commit) leaves no
// writable garbage behind.
func (a *Allocator) IsAllFree() bool {
	for _, s := range a.slabs {
		total := uint64(0)
		for _, fb := range a.writableFree {
			if uint64(fb.start) < s.logicalStart || uint64(fb.start) >= s.logicalEnd() {
				continue
			}
			total += fb.size
		}
		if total != uint64(len(s.data)) {
			return false
		}
	}
	return true
}

func (a *Allocator) String() string {
	return fmt.Sprintf("Allocator{baseline=%d slabs=%d writableFree=%d readOnlyFree=%d}",
		a.baseline, len(a.slabs), len(a.writableFree), len(a.readOnlyFree))
}

// verify checks the free-list-closure invariant (spec.md §8 property
// 3): every byte in every slab is either part of the writable free
// list or reachable, by exhaustively summing ranges. Cheap enough for
// test/debug use only (SPEC_FULL.md §5's recovered debug-verify pass).
func (a *Allocator) verify(reachable func() (map[ref]int, error)) error {
	reached, err := reachable()
	if err != nil {
		return err
	}

	for _, s := range a.slabs {
		covered := make([]bool, len(s.data))

		for _, fb := range a.writableFree {
			if uint64(fb.start) < s.logicalStart || uint64(fb.start) >= s.logicalEnd() {
				continue
			}
			off := uint64(fb.start) - s.logicalStart
			for i := uint64(0); i < fb.size; i++ {
				covered[off+i] = true
			}
		}

		for r, size := range reached {
			if uint64(r) < s.logicalStart || uint64(r) >= s.logicalEnd() {
				continue
			}
			off := uint64(r) - s.logicalStart
			for i := 0; i < size; i++ {
				covered[off+uint64(i)] = true
			}
		}

		for i, c := range covered {
			if !c {
				return pkgerrors.Errorf("tdbcore: byte %d in slab at %d is neither free nor reachable", i, s.logicalStart)
			}
		}
	}

	return nil
}
