package tdbcore

// Mapping is the File/Mapping collaborator of SPEC_FULL.md §4.A: map a
// file read-write, expose byte access, flush byte ranges, and grow the
// view when a committing writer extends the file. The teacher's tests/MMap_test.go exercises exactly
// this contract (mari.Map/.Flush/.Unmap) but the concrete mmap
// implementation was not present in the retrieved example files, so
// this is grounded instead on other_examples' bbolt db.go, which
// mmaps with unix.Mmap and locks the file with unix.Flock the same way
// SPEC_FULL.md §4.F's robust write mutex needs.
type Mapping interface {
	// Bytes returns the current mapped region. Callers must not retain
	// slices across a Remap.
	Bytes() []byte

	// Len is len(Bytes()).
	Len() int

	// Flush msyncs [start, end) to the backing file. A no-op for
	// buffer-backed (non-file) mappings.
	Flush(start, end uint64) error

	// Remap grows the mapping so that Len() >= minLen. Existing
	// content is preserved; the file is truncated first if needed.
	Remap(minLen int) error

	// Close unmaps the region. A second call is a no-op.
	Close() error
}

// encryptedMapping is the interface seam spec.md §4.A calls for: "may
// be backed by an encrypted mapping: the mapping reports
// post-decryption bytes; pages are validated on first touch". No
// cipher is implemented (out of scope per spec.md §1); a concrete
// encrypted mapping would implement Mapping and return
// ErrDecryptionFailed from ValidatePage/Remap on a validation failure.
type encryptedMapping interface {
	Mapping
	ValidatePage(offset int) error
}
