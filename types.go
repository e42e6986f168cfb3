package tdbcore

// This file defines the logical address space (refs), the 8-byte node
// header, and the group top-ref layout of SPEC_FULL.md §4.C/§4.E.
// Grounded on the teacher's Types.go (offset-constant style) and
// original_source/src/tightdb/alloc_slab.hpp's notion of a baseline
// splitting the ref space into a read-only region and a writable one.

// ref names a node, always an 8-byte-aligned offset into the logical
// address space of one database: [0, baseline) resolves into the
// read-only mapping, [baseline, inf) resolves into a writer's slabs.
type ref uint64

const nilRef ref = 0

// widthScheme selects how a node array's payload bytes are interpreted.
type widthScheme uint8

const (
	widthSchemeBits   widthScheme = 0 // bit-packed elements, width in {0,1,2,4,8,16,32,64}
	widthSchemeBytes  widthScheme = 1 // byte-aligned elements, width in {8,16,32,64}
	widthSchemeOpaque widthScheme = 2 // raw blob, no element structure
)

// elementWidths is the index->bits table the 3-bit width field encodes.
var elementWidths = [8]uint8{0, 1, 2, 4, 8, 16, 32, 64}

func widthIndex(bits uint8) uint8 {
	for i, w := range elementWidths {
		if w == bits {
			return uint8(i)
		}
	}
	panic("tdbcore: invalid element width")
}

// nodeHeader is the 8-byte packed header every node begins with.
//
// byte 0:    bit0 isInnerBPNode | bit1 hasRefs | bit2 contextFlag |
//
//	bits3-4 widthScheme | bits5-7 width (index into elementWidths)
//
// bytes 1-3: size (24-bit little-endian element count)
// bytes 4-6: capacity (24-bit little-endian payload byte capacity)
// byte 7:    checksum (low byte of a 64-bit hash of the payload)
type nodeHeader struct {
	isInnerBPNode bool
	hasRefs       bool
	contextFlag   bool
	scheme        widthScheme
	width         uint8 // bits per element, one of elementWidths
	size          uint32
	capacity      uint32
	checksum      uint8
}

const nodeHeaderSize = 8

func encodeHeader(h nodeHeader) [nodeHeaderSize]byte {
	var buf [nodeHeaderSize]byte

	var b0 byte
	if h.isInnerBPNode {
		b0 |= 1 << 0
	}
	if h.hasRefs {
		b0 |= 1 << 1
	}
	if h.contextFlag {
		b0 |= 1 << 2
	}
	b0 |= byte(h.scheme&0x3) << 3
	b0 |= byte(widthIndex(h.width)&0x7) << 5
	buf[0] = b0

	putUint24LE(buf[1:4], h.size)
	putUint24LE(buf[4:7], h.capacity)
	buf[7] = h.checksum

	return buf
}

func decodeHeader(buf []byte) nodeHeader {
	_ = buf[nodeHeaderSize-1] // bounds check hint
	b0 := buf[0]

	return nodeHeader{
		isInnerBPNode: b0&(1<<0) != 0,
		hasRefs:       b0&(1<<1) != 0,
		contextFlag:   b0&(1<<2) != 0,
		scheme:        widthScheme((b0 >> 3) & 0x3),
		width:         elementWidths[(b0>>5)&0x7],
		size:          getUint24LE(buf[1:4]),
		capacity:      getUint24LE(buf[4:7]),
		checksum:      buf[7],
	}
}

func putUint24LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func getUint24LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// payloadBytes returns the number of bytes a node of this header needs
// for its payload: ceil(size*width/8), unpadded. totalBytes adds the
// header and pads the sum to the nearest 8 bytes.
func (h nodeHeader) payloadBytes() int {
	if h.scheme == widthSchemeOpaque {
		return int(h.size) // size is a raw byte count for opaque nodes
	}
	bits := uint64(h.size) * uint64(h.width)
	return int((bits + 7) / 8)
}

func (h nodeHeader) totalBytes() int {
	return align8(nodeHeaderSize + h.payloadBytes())
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// groupTopLayout indexes the fixed-shape top-ref node array (SPEC_FULL §4.E):
// [table_names_ref, tables_ref, free_positions_ref, free_sizes_ref,
//
//	free_versions_ref, file_size, file_version]
const (
	topTableNamesIdx = iota
	topTablesIdx
	topFreePositionsIdx
	topFreeSizesIdx
	topFreeVersionsIdx
	topFileSizeIdx
	topFileVersionIdx
	topLayoutLen
)

// file header constants (spec.md §6).
const (
	fileMagic          = "T-DB"
	fileFormatVersion  = uint8(1)
	fileHeaderSize     = 24
	topRefSlotOffset0  = 8
	topRefSlotOffset1  = 16
	selectorByteOffset = 5
)

// defaultPageSize mirrors the teacher's DefaultPageSize but resolved
// through x/sys/unix instead of the stdlib os.Getpagesize wrapper, to
// keep the page-size query on the same dependency as the mmap/flock
// calls it's used alongside.
var defaultPageSize = getpagesize()

const (
	minSlabSize = 4096
	maxResize   = 1 << 30 // 1GB, mirrors teacher's MaxResize growth ceiling
)
