package pool

import "errors"

// Sentinel errors returned by pool operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, pool.ErrBusy) {
//	    // another process has the pool open for writing
//	}
var (
	// ErrCorrupt indicates the pool file or its redo log is damaged: a bad
	// header checksum, a size mismatch, out-of-bounds references or a
	// committed log whose body does not match its checksum.
	//
	// Recovery: restore from a backup or recreate the pool.
	ErrCorrupt = errors.New("pool: corrupt")

	// ErrIncompatible indicates the file is not a pool of this format
	// version, or was created for a different layout.
	ErrIncompatible = errors.New("pool: incompatible")

	// ErrBusy indicates the pool lock is held elsewhere: another writer for
	// read-write opens, a writer for read-only opens.
	//
	// Recovery: retry later, or pass [Options.LockTimeout].
	ErrBusy = errors.New("pool: busy")

	// ErrNoSpace indicates an allocation would grow the heap past the pool
	// capacity. The transaction that hit it is rolled back.
	//
	// Recovery: create a larger pool.
	ErrNoSpace = errors.New("pool: out of space")

	// ErrClosed indicates the [Pool] has already been closed.
	ErrClosed = errors.New("pool: closed")

	// ErrReadOnly indicates a write was attempted on a pool opened with
	// [Options.ReadOnly].
	ErrReadOnly = errors.New("pool: read-only")

	// ErrExists is returned by [Create] when the target file already exists.
	ErrExists = errors.New("pool: already exists")

	// ErrInvalidInput indicates invalid arguments, such as a size below
	// [MinSize] or an out-of-range write.
	ErrInvalidInput = errors.New("pool: invalid input")
)
