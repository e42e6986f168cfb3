package tdbcore

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Error taxonomy (§2 of SPEC_FULL.md). These are sentinel kinds; call
// sites wrap them with pkg/errors.Wrapf for stack context where the
// failure is deep in a recursive tree walk and a plain %w would lose
// which node/ref was involved.
var (
	// ErrInvalidDatabase: magic/version mismatch or truncated header on open.
	ErrInvalidDatabase = errors.New("tdbcore: invalid database")

	// ErrDecryptionFailed: an encrypted mapping failed validation.
	ErrDecryptionFailed = errors.New("tdbcore: decryption failed")

	// ErrOutOfMemory: the allocator could not grow.
	ErrOutOfMemory = errors.New("tdbcore: out of memory")

	// ErrIO: underlying file I/O fault.
	ErrIO = errors.New("tdbcore: io error")

	// ErrDeadOwner: the robust write mutex's previous holder died; recoverable.
	ErrDeadOwner = errors.New("tdbcore: previous writer died, recovering")

	// ErrNotRecoverable: the robust mutex is permanently poisoned.
	ErrNotRecoverable = errors.New("tdbcore: lock not recoverable")

	// ErrBadTransactLog: the transact log parser hit a malformed instruction.
	ErrBadTransactLog = errors.New("tdbcore: malformed transact log")

	// ErrNoSuchTable: caller referenced a table that does not exist.
	ErrNoSuchTable = errors.New("tdbcore: no such table")

	// ErrIndexOutOfBounds: caller indexed outside [0, size).
	ErrIndexOutOfBounds = errors.New("tdbcore: index out of bounds")

	// ErrLogicError: API misuse, e.g. reusing a rolled-back handle.
	ErrLogicError = errors.New("tdbcore: logic error")

	// ErrStaleAccessor: an accessor's instance_version no longer matches its Table.
	ErrStaleAccessor = errors.New("tdbcore: stale accessor")

	// ErrReadOnlyTx: attempted a mutation inside a read transaction.
	ErrReadOnlyTx = errors.New("tdbcore: write attempted in a read-only transaction")
)

// errIOf wraps an underlying I/O failure as ErrIO with call-site
// context and a stack trace, per SPEC_FULL.md's pkg/errors wiring.
func errIOf(cause error, format string, args ...any) error {
	return pkgerrors.Wrapf(joinErr(ErrIO, cause), format, args...)
}

// joinErr pairs a sentinel kind with its underlying cause so
// errors.Is(err, ErrIO) keeps working after pkg/errors wraps it.
func joinErr(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return errors.Join(kind, cause)
}
