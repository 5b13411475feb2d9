package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrAtomicWriteDirSync indicates the parent directory could not be synced after rename.
//
// When returned, the new file is in place but durability is not guaranteed.
var ErrAtomicWriteDirSync = errors.New("dir sync")

// ErrExists is returned by [AtomicWriter.Write] when
// [AtomicWriteOptions.NoReplace] is set and path already exists.
var ErrExists = errors.New("file exists")

// AtomicWriter writes files atomically using rename.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter creates an AtomicWriter that uses the given filesystem.
// Panics if fs is nil.
func NewAtomicWriter(fs FS) *AtomicWriter {
	if fs == nil {
		panic("fs is nil")
	}

	return &AtomicWriter{fs: fs}
}

// AtomicWriteOptions configures [AtomicWriter.Write].
type AtomicWriteOptions struct {
	// SyncDir controls whether the parent directory is synced after rename.
	SyncDir bool

	// NoReplace makes Write fail with [ErrExists] if path exists before the
	// rename. The check is not atomic with the rename; callers that race
	// with other writers must hold a lock.
	NoReplace bool

	// Perm is applied with an explicit chmod, regardless of umask. Must be
	// non-zero.
	Perm os.FileMode
}

// Write copies r into a temp file next to path, syncs it, renames it over
// path and then syncs the parent directory when opts.SyncDir is set.
//
// If the directory sync fails the returned error satisfies
// errors.Is(err, [ErrAtomicWriteDirSync]).
func (w *AtomicWriter) Write(path string, r io.Reader, opts AtomicWriteOptions) error {
	if r == nil {
		panic("reader is nil")
	}

	if opts.Perm == 0 {
		return errors.New("opts.Perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == "." {
		return fmt.Errorf("path is invalid: %q", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	if opts.NoReplace {
		exists, err := w.fs.Exists(path)
		if err != nil {
			return fmt.Errorf("stat %q: %w", path, err)
		}

		if exists {
			return fmt.Errorf("%q: %w", path, ErrExists)
		}
	}

	tmpFile, tmpPath, err := createAtomicTempFile(w.fs, dir, base, opts.Perm)
	if err != nil {
		return err
	}

	cleanup := func() error {
		closeErr := tmpFile.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("close temp file %q: %w", tmpPath, closeErr)
		}

		removeErr := w.fs.Remove(tmpPath)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			removeErr = fmt.Errorf("remove temp file %q: %w", tmpPath, removeErr)
		} else {
			removeErr = nil
		}

		return errors.Join(closeErr, removeErr)
	}

	if err := tmpFile.Chmod(opts.Perm); err != nil {
		return errors.Join(fmt.Errorf("chmod temp file %q: %w", tmpPath, err), cleanup())
	}

	if _, err := io.Copy(tmpFile, r); err != nil {
		return errors.Join(fmt.Errorf("write temp file %q: %w", tmpPath, err), cleanup())
	}

	if err := tmpFile.Sync(); err != nil {
		return errors.Join(fmt.Errorf("sync temp file %q: %w", tmpPath, err), cleanup())
	}

	if err := w.fs.Rename(tmpPath, path); err != nil {
		return errors.Join(fmt.Errorf("rename: %w", err), cleanup())
	}

	// The temp name is gone after rename; only the close can fail here.
	_ = cleanup()

	if opts.SyncDir {
		if err := SyncDir(w.fs, dir); err != nil {
			return errors.Join(ErrAtomicWriteDirSync, err)
		}
	}

	return nil
}

// DefaultOptions returns SyncDir=true, Perm=0o644.
func (*AtomicWriter) DefaultOptions() AtomicWriteOptions {
	return AtomicWriteOptions{
		SyncDir: true,
		Perm:    0o644,
	}
}

// SyncDir opens dir and fsyncs it, making its entries durable.
func SyncDir(fs FS, dir string) error {
	f, err := fs.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %q: %w", dir, err)
	}

	syncErr := f.Sync()
	if syncErr != nil {
		syncErr = fmt.Errorf("sync dir %q: %w", dir, syncErr)
	}

	closeErr := f.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("close dir %q: %w", dir, closeErr)
	}

	return errors.Join(syncErr, closeErr)
}

const atomicWriteMaxAttempts = 10000

var atomicWriteCounter atomic.Uint64

func createAtomicTempFile(fs FS, dir, base string, perm os.FileMode) (File, string, error) {
	for range atomicWriteMaxAttempts {
		seq := atomicWriteCounter.Add(1)
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, seq))

		file, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return file, path, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, "", fmt.Errorf("create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}
