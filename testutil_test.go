package tdbcore

import (
	"testing"

	"github.com/rs/zerolog"
)

// memMapping is an in-memory Mapping for unit tests that don't need a
// real file, so node/bptree/allocator tests can run without touching
// disk.
type memMapping struct {
	data []byte
}

func (m *memMapping) Bytes() []byte { return m.data }
func (m *memMapping) Len() int       { return len(m.data) }
func (m *memMapping) Flush(uint64, uint64) error { return nil }

func (m *memMapping) Remap(minLen int) error {
	if minLen <= len(m.data) {
		return nil
	}
	grown := make([]byte, minLen)
	copy(grown, m.data)
	m.data = grown
	return nil
}

func (m *memMapping) Close() error { return nil }

func newTestAllocator(baseline uint64) *Allocator {
	m := &memMapping{data: make([]byte, baseline)}
	return newAllocator(m, baseline, fileFormatVersion, zerolog.Nop())
}

// readNodeMust is a test-only convenience wrapper around readNode for
// assertions that don't want to thread error checks through.
func readNodeMust(t *testing.T, a *Allocator, r ref) *Node {
	t.Helper()
	n, err := readNode(a, r)
	if err != nil {
		t.Fatalf("readNode(%d): %v", r, err)
	}
	return n
}
