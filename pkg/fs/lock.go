package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when a lock is held by another open file
	// description and the caller asked not to wait (or the wait timed out).
	ErrWouldBlock = errors.New("lock would block")

	// errInodeMismatch means the lock file was replaced between open and
	// flock. Callers retry.
	errInodeMismatch = errors.New("inode mismatch")
)

// Locker takes advisory flock(2) locks on dedicated lock files.
//
// flock applies to an inode, not a pathname, so after each successful flock
// Locker checks that the descriptor still refers to the file at path and
// retries if it was replaced. Lock files are never removed by Locker.
//
// Exclusive locks open the lock file O_RDWR, shared locks O_RDONLY.
//
// Locker is safe for concurrent use if its [FS] is. The [FS] must hand out
// real descriptors (see [File.Fd]) and Stat results backed by
// *syscall.Stat_t.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker returns a Locker operating on fs.
func NewLocker(fs FS) *Locker {
	return &Locker{fs: fs, flock: unix.Flock}
}

// Lock is a held file lock. Release it with [Lock.Close].
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close unlocks and closes the lock file. It is idempotent.
//
// If both the unlock and the close fail, the returned error wraps both.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// TryLock takes an exclusive lock on path without waiting. It returns
// [ErrWouldBlock] if any other lock is held.
//
// The lock file and its parent directories are created if missing.
func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.lockPolling(path, exclusiveLock, 0)
}

// TryRLock takes a shared lock on path without waiting. It returns
// [ErrWouldBlock] if an exclusive lock is held.
func (l *Locker) TryRLock(path string) (*Lock, error) {
	return l.lockPolling(path, sharedLock, 0)
}

// LockWithTimeout polls for an exclusive lock until timeout elapses,
// backing off from 1ms to 25ms between attempts. A timeout <= 0 behaves
// like [Locker.TryLock].
//
// On expiry the error satisfies errors.Is(err, [ErrWouldBlock]).
func (l *Locker) LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	return l.lockPolling(path, exclusiveLock, max(timeout, 0))
}

// RLockWithTimeout is the shared counterpart of [Locker.LockWithTimeout].
func (l *Locker) RLockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	return l.lockPolling(path, sharedLock, max(timeout, 0))
}

type lockType int

const (
	sharedLock    lockType = unix.LOCK_SH
	exclusiveLock lockType = unix.LOCK_EX
)

const maxLockBackoff = 25 * time.Millisecond

// lockPolling tries once when timeout == 0, otherwise retries until the
// deadline.
func (l *Locker) lockPolling(path string, lt lockType, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond

	for {
		file, err := l.openLockFile(path, openFlagForLockType(lt))
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, lt)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		if !errors.Is(err, ErrWouldBlock) && !errors.Is(err, errInodeMismatch) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if timeout == 0 || remaining <= 0 {
			if errors.Is(err, errInodeMismatch) {
				return nil, fmt.Errorf("%w: lock file was replaced while acquiring lock", ErrWouldBlock)
			}

			if timeout > 0 {
				return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
			}

			return nil, ErrWouldBlock
		}

		time.Sleep(min(backoff, remaining))

		backoff = min(backoff*2, maxLockBackoff)
	}
}

// acquire flocks file non-blocking and verifies the inode still matches
// path. On failure the file is unlocked but not closed.
func (l *Locker) acquire(file File, path string, lt lockType) error {
	fd := int(file.Fd())

	if err := flockRetryEINTR(l.flock, fd, int(lt)|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

func (l *Locker) openLockFile(path string, flag int) (File, error) {
	f, err := l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath compares (dev, inode) of the open descriptor with the
// file currently at path.
func (l *Locker) inodeMatchesPath(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || openSys == nil {
		return false, fmt.Errorf("file.Stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || pathSys == nil {
		return false, fmt.Errorf("fs.Stat Sys=%T, want *syscall.Stat_t", pathInfo.Sys())
	}

	return openSys.Dev == pathSys.Dev && openSys.Ino == pathSys.Ino, nil
}

func openFlagForLockType(lt lockType) int {
	if lt == sharedLock {
		return os.O_RDONLY
	}

	return os.O_RDWR
}

// flockRetryEINTR retries flock when a signal interrupts it, up to a cap.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
