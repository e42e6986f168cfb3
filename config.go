package tdbcore

import (
	"reflect"

	"github.com/rs/zerolog"
)

// Durability selects how aggressively a commit is flushed to disk,
// spec.md §4.F/§9.
type Durability uint8

const (
	// DurabilityFull msyncs before a commit returns: a crash never
	// loses an acknowledged write.
	DurabilityFull Durability = iota
	// DurabilityMemOnly skips the msyncs of the header's top-ref slot
	// and selector byte when a commit is published. The node bytes a
	// commit appends and the top node's file_size patch are still
	// msynced, as in DurabilityFull. A crash can lose the latest
	// selector flip.
	DurabilityMemOnly
	// DurabilityAsync is accepted for API compatibility with the
	// original design's background-flush daemon, but that daemon's
	// wire protocol isn't reimplemented (DESIGN.md Open Question 2);
	// it behaves exactly like DurabilityMemOnly here.
	DurabilityAsync
)

// Options configures Open, per spec.md §6 and SPEC_FULL.md §2's
// ambient config layer.
type Options struct {
	// ReadOnly opens the database without ever acquiring the write lock.
	ReadOnly bool

	// Durability controls commit flush behavior; defaults to DurabilityFull.
	Durability Durability

	// NodePoolSize is accepted but not read: the scratch-buffer pool
	// (nodepool.go) takes no size and always starts empty. Named after
	// the teacher's Options.NodePoolSize for continuity of idiom even
	// though this engine pools scratch buffers, not whole node structs.
	NodePoolSize int

	// BPNodeMax overrides the B+-tree fan-out bound (spec.md §4.D's
	// BPNODE_MAX); 0 selects defaultBPNodeMax. Tests shrink this to
	// exercise splitting without large fixtures.
	BPNodeMax int

	// CompactAtVersion, when nonzero, makes every write commit whose
	// resulting version reaches this number log a debug "compaction
	// threshold reached" event after it is published. Commit does not
	// compact; compaction runs only when Compact is called. Mirrors the
	// teacher's CompactAtVersion field.
	CompactAtVersion uint64

	// Logger receives structured diagnostics; a disabled zerolog
	// logger is used if unset (SPEC_FULL.md §2).
	Logger zerolog.Logger

	// Debug gates the free-list-closure verify pass (Allocator.Verify)
	// that Commit runs against every write transaction's
	// pending root before flushing it, per SPEC_FULL.md §5. Off by
	// default since the verify pass walks the
	// whole reachable graph on every commit; test code that wants it on
	// every commit sets this, matching the original's TIGHTDB_DEBUG
	// build-time gate (original_source/src/tightdb/alloc.hpp's
	// `#ifdef TIGHTDB_DEBUG virtual void Verify() const`).
	Debug bool
}

func (o Options) withDefaults() Options {
	if o.BPNodeMax == 0 {
		o.BPNodeMax = defaultBPNodeMax
	}
	if reflect.DeepEqual(o.Logger, zerolog.Logger{}) {
		o.Logger = newDefaultLogger()
	}
	return o
}
