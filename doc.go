// Package tdbcore implements the storage-engine core of an embedded,
// file-backed, transactional, columnar database: a slab allocator over
// a memory-mapped file, bit-packed node arrays, B+-tree columns, and a
// shared-group transaction protocol for one writer and many readers.
//
// The package is organized the way the teacher codebase this was
// adapted from organizes itself: one flat package, one file per
// concern, PascalCase-ish concern names. See DESIGN.md for the
// grounding ledger and SPEC_FULL.md for the full component spec.
package tdbcore
