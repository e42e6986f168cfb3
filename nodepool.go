package tdbcore

import "sync"

// nodeScratchPool recycles the temporary byte buffers alloc.go's
// commitNode uses to stage a copy of each node before rewriting its
// child refs, avoiding a GC allocation per node on every commit.
// Grounded on the teacher's NodePool.go, generalized from pooling
// whole *MariINode/*MariLNode structs (the teacher's fixed node
// types) to pooling raw []byte scratch buffers, since this engine's
// node shape is fully variable-width rather than the teacher's fixed
// layout.
type nodeScratchPool struct {
	pool sync.Pool
}

func newNodeScratchPool() *nodeScratchPool {
	return &nodeScratchPool{
		pool: sync.Pool{
			New: func() any {
				return make([]byte, 0, 256)
			},
		},
	}
}

func (p *nodeScratchPool) get(size int) []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < size {
		buf = make([]byte, size)
		return buf
	}
	return buf[:size]
}

func (p *nodeScratchPool) put(buf []byte) {
	p.pool.Put(buf[:0]) //nolint:staticcheck // intentionally resetting length, keeping capacity
}
