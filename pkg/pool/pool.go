// Package pool implements a fixed-size, memory-mapped persistent heap with
// all-or-nothing transactions.
//
// A pool is a single file (format FRQ1) holding a 128-byte header followed by
// a bump-allocated heap. Records inside the heap refer to each other by file
// offset; offset 0 is the null reference. A pool has one root reference that
// callers use to find their data structure after reopening.
//
// Writes happen only inside [Pool.Update]. A transaction buffers its writes,
// and on commit they are written to a redo log next to the pool
// (<path>.wal), fsynced, applied to the mapping, flushed and the log is
// emptied. If the process dies at any point, the next [Open] either replays
// the committed log or discards an uncommitted one, so the file always
// reflects a prefix of the committed transactions.
//
// Freshly allocated space is always zero on disk: allocations are only
// written through a committed transaction and space is never freed.
//
// Exclusion between processes uses a lock file (<path>.lock): read-write
// opens take it exclusively, read-only opens shared.
package pool

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/wordfreq/pkg/fs"
)

// SyncMode controls durability of [Pool.Update].
type SyncMode int

const (
	// SyncFull fsyncs the redo log before applying a transaction and flushes
	// the pool afterwards. Committed transactions survive power loss.
	SyncFull SyncMode = iota

	// SyncNone skips fsync and msync. The pool still survives process
	// crashes, since the page cache outlives the process, but not power loss.
	SyncNone
)

// ParseSyncMode parses "full" or "none".
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "", "full":
		return SyncFull, nil
	case "none":
		return SyncNone, nil
	default:
		return SyncFull, fmt.Errorf("sync mode %q (want full or none): %w", s, ErrInvalidInput)
	}
}

func (m SyncMode) String() string {
	switch m {
	case SyncFull:
		return "full"
	case SyncNone:
		return "none"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// Options configures [Create] and [Open].
type Options struct {
	// Size is the pool capacity in bytes. Used by [Create] only.
	// Rounded up to a multiple of 8; must be at least [MinSize].
	Size int64

	// Layout names the data structure stored in the pool. [Open] rejects a
	// pool created with a different layout. Defaults to [DefaultLayout].
	Layout string

	// ReadOnly opens the pool without write access. A committed redo log
	// is applied to a private copy of the mapping; neither file is modified.
	ReadOnly bool

	// Sync selects the durability of commits. Default [SyncFull].
	Sync SyncMode

	// LockTimeout bounds how long [Open] waits for the pool lock.
	// Zero fails immediately with [ErrBusy].
	LockTimeout time.Duration

	// MinSize overrides the smallest capacity accepted by [Create].
	// Zero means one header plus one page.
	MinSize int64

	// Logger receives open and recovery events. Nil discards them.
	Logger *slog.Logger
}

func (o Options) layout() string {
	if o.Layout == "" {
		return DefaultLayout
	}

	return o.Layout
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return o.Logger
}

// MinSize is the default smallest capacity [Create] accepts.
var MinSize = int64(HeaderSize + pageSize)

// Stats describes a pool.
type Stats struct {
	Capacity uint64
	HeapTop  uint64
	Free     uint64
	Root     uint64
	Commits  uint64
	Replayed bool
	ReadOnly bool
}

// Pool is an open pool file.
//
// Pool is safe for concurrent use. Concurrent [Pool.Update] calls may
// allocate and build their writes in parallel; commits are serialized.
// Callers are responsible for not writing the same bytes from two
// concurrent transactions, and for not reading bytes another transaction is
// committing.
type Pool struct {
	path     string
	readOnly bool
	sync     SyncMode
	log      *slog.Logger

	data []byte
	file fs.File
	wal  fs.File
	lock *fs.Lock

	capacity uint64
	replayed bool

	// allocMu guards top, the volatile end of the heap including
	// reservations of in-flight transactions.
	allocMu sync.Mutex
	top     uint64

	// commitMu serializes commits and guards the fields below.
	commitMu   sync.Mutex
	durableTop uint64
	commits    uint64

	closed atomic.Bool
}

// Create writes a new, empty pool at path.
//
// The file is zero-filled to opts.Size and published with an atomic
// rename. Create fails with [ErrExists] if path already exists.
func Create(fsys fs.FS, path string, opts Options) error {
	layout := opts.layout()
	if err := validateLayoutName(layout); err != nil {
		return err
	}

	minSize := opts.MinSize
	if minSize <= 0 {
		minSize = MinSize
	}

	size := int64(align8(uint64(max(opts.Size, 0))))
	if size < minSize {
		return fmt.Errorf("size %d below minimum %d: %w", opts.Size, minSize, ErrInvalidInput)
	}

	lock, err := lockPool(fs.NewLocker(fsys), path, false, opts.LockTimeout)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return fmt.Errorf("lock %s: %w", path, ErrBusy)
		}

		return fmt.Errorf("lock %s: %w", path, err)
	}

	defer func() { _ = lock.Close() }()

	hdr := encodeHeader(&header{
		Layout:   layout,
		Capacity: uint64(size),
		HeapTop:  HeaderSize,
	})

	content := io.MultiReader(bytes.NewReader(hdr), io.LimitReader(zeroReader{}, size-HeaderSize))

	w := fs.NewAtomicWriter(fsys)
	wopts := w.DefaultOptions()
	wopts.NoReplace = true
	wopts.Perm = 0o644

	err = w.Write(path, content, wopts)
	if errors.Is(err, fs.ErrExists) {
		return fmt.Errorf("create %s: %w", path, ErrExists)
	}

	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	opts.logger().Info("pool created", "path", path, "size", size, "layout", layout)

	return nil
}

// lockPool takes the pool's lock file: shared for readers, exclusive for
// writers. Without a timeout it fails at once if the lock is held.
func lockPool(locker *fs.Locker, path string, shared bool, timeout time.Duration) (*fs.Lock, error) {
	lockPath := path + ".lock"

	switch {
	case timeout <= 0 && shared:
		return locker.TryRLock(lockPath)
	case timeout <= 0:
		return locker.TryLock(lockPath)
	case shared:
		return locker.RLockWithTimeout(lockPath, timeout)
	default:
		return locker.LockWithTimeout(lockPath, timeout)
	}
}

// Open opens an existing pool and recovers it from its redo log.
//
// Possible errors:
//   - [ErrBusy]: the pool lock is held elsewhere
//   - [ErrIncompatible]: bad magic, unknown version or different layout
//   - [ErrCorrupt]: bad header checksum, size mismatch, out-of-bounds
//     heap fields or a damaged committed redo log
//   - I/O errors from open, stat, mmap or the log
func Open(fsys fs.FS, path string, opts Options) (*Pool, error) {
	layout := opts.layout()
	if err := validateLayoutName(layout); err != nil {
		return nil, err
	}

	log := opts.logger().With("path", path)

	lock, err := lockPool(fs.NewLocker(fsys), path, opts.ReadOnly, opts.LockTimeout)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("lock %s: %w", path, ErrBusy)
		}

		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	p := &Pool{
		path:     path,
		readOnly: opts.ReadOnly,
		sync:     opts.Sync,
		log:      log,
		lock:     lock,
	}

	if err := p.open(fsys, layout); err != nil {
		return nil, errors.Join(err, p.release())
	}

	log.Debug("pool opened",
		"read_only", p.readOnly,
		"capacity", p.capacity,
		"heap_top", p.top,
		"replayed", p.replayed,
	)

	return p, nil
}

func (p *Pool) open(fsys fs.FS, layout string) error {
	flag := os.O_RDWR
	if p.readOnly {
		flag = os.O_RDONLY
	}

	file, err := fsys.OpenFile(p.path, flag, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.path, err)
	}

	p.file = file

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", p.path, err)
	}

	size := info.Size()
	if size < HeaderSize {
		return fmt.Errorf("%s is %d bytes, smaller than header: %w", p.path, size, ErrCorrupt)
	}

	if size > int64(^uint(0)>>1) {
		return fmt.Errorf("%s is %d bytes, too large to map: %w", p.path, size, ErrInvalidInput)
	}

	mapFlags := unix.MAP_SHARED
	if p.readOnly {
		mapFlags = unix.MAP_PRIVATE
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, mapFlags)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", p.path, err)
	}

	p.data = data

	hdr, err := decodeHeader(data, size, layout)
	if err != nil {
		return fmt.Errorf("%s: %w", p.path, err)
	}

	p.capacity = hdr.Capacity

	if err := p.recover(fsys); err != nil {
		return err
	}

	hdr.HeapTop = p.u64(offHeapTop)
	hdr.Root = p.u64(offRoot)

	if err := validateHeap(hdr); err != nil {
		return fmt.Errorf("%s: %w", p.path, err)
	}

	p.top = hdr.HeapTop
	p.durableTop = hdr.HeapTop

	return nil
}

// recover opens the redo log and replays or discards it.
func (p *Pool) recover(fsys fs.FS) error {
	walPath := p.path + walSuffix

	if p.readOnly {
		wal, err := fsys.Open(walPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("open %s: %w", walPath, err)
		}

		p.wal = wal
	} else {
		existed, err := fsys.Exists(walPath)
		if err != nil {
			return fmt.Errorf("stat %s: %w", walPath, err)
		}

		wal, err := fsys.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", walPath, err)
		}

		p.wal = wal

		if !existed {
			if err := fs.SyncDir(fsys, dirOf(walPath)); err != nil {
				return fmt.Errorf("create %s: %w", walPath, err)
			}
		}
	}

	state, body, err := readWalState(p.wal)
	if err != nil {
		return fmt.Errorf("read %s: %w", walPath, err)
	}

	switch state {
	case walEmpty:
		return nil

	case walUncommitted:
		p.log.Warn("discarding uncommitted redo log", "wal", walPath)

		if p.readOnly {
			return nil
		}

		if err := truncateWal(p.wal, p.sync == SyncFull); err != nil {
			return fmt.Errorf("truncate uncommitted %s: %w", walPath, err)
		}

		return nil

	case walCommitted:
		records, err := decodeWal(body)
		if err != nil {
			return fmt.Errorf("decode %s: %w", walPath, err)
		}

		if err := validateRecords(records, p.capacity); err != nil {
			return fmt.Errorf("replay %s: %w", walPath, err)
		}

		p.apply(records)
		p.replayed = true

		p.log.Info("replayed redo log", "wal", walPath, "records", len(records))

		if p.readOnly {
			return nil
		}

		if err := p.flush(records); err != nil {
			return fmt.Errorf("replay %s: %w", walPath, err)
		}

		if err := truncateWal(p.wal, p.sync == SyncFull); err != nil {
			return fmt.Errorf("truncate %s: %w", walPath, err)
		}

		return nil

	default:
		return fmt.Errorf("unknown wal state %s", state)
	}
}

// apply copies records into the mapping.
func (p *Pool) apply(records []walRecord) {
	for _, rec := range records {
		copy(p.data[rec.off:], rec.data)
	}
}

// flush makes applied records durable in the pool file.
func (p *Pool) flush(records []walRecord) error {
	if p.sync != SyncFull {
		return nil
	}

	for _, rec := range records {
		if err := msyncRange(p.data, int(rec.off), len(rec.data)); err != nil {
			return err
		}
	}

	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", p.path, err)
	}

	return nil
}

// commit makes records durable and visible. reservedTop is the end of the
// caller's allocations; the persisted heap top never moves backwards.
//
// logged reports whether the redo log was written, after which the
// transaction is applied by recovery even if commit fails.
func (p *Pool) commit(records []walRecord, reservedTop uint64) (logged bool, err error) {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	if p.closed.Load() {
		return false, ErrClosed
	}

	newTop := p.durableTop
	if reservedTop > newTop {
		newTop = reservedTop
		records = append(records, walRecord{off: offHeapTop, data: le64(newTop)})
	}

	if len(records) == 0 {
		return false, nil
	}

	if err := validateRecords(records, p.capacity); err != nil {
		return false, err
	}

	buf := walBufferPool.Get()
	defer walBufferPool.Put(buf)

	if err := encodeWal(buf, records); err != nil {
		return false, err
	}

	syncFull := p.sync == SyncFull

	if err := writeWal(p.wal, buf.B, syncFull); err != nil {
		return false, fmt.Errorf("write %s%s: %w", p.path, walSuffix, err)
	}

	p.durableTop = newTop
	p.commits++
	p.apply(records)

	if err := p.flush(records); err != nil {
		return true, err
	}

	if err := truncateWal(p.wal, syncFull); err != nil {
		return true, fmt.Errorf("truncate %s%s: %w", p.path, walSuffix, err)
	}

	return true, nil
}

// Root returns the root reference, 0 if unset.
func (p *Pool) Root() uint64 {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	if p.closed.Load() {
		return 0
	}

	return p.u64(offRoot)
}

// Load returns the n committed bytes at ref. The slice aliases the mapping
// and is valid until [Pool.Close]; callers must not modify it.
//
// Load returns [ErrCorrupt] if the range is outside the heap.
func (p *Pool) Load(ref uint64, n int) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	if n < 0 || ref < HeaderSize || ref+uint64(n) < ref || ref+uint64(n) > p.capacity {
		return nil, fmt.Errorf("read [%d, +%d) outside heap of %d bytes: %w", ref, n, p.capacity, ErrCorrupt)
	}

	return p.data[ref : ref+uint64(n) : ref+uint64(n)], nil
}

// ReadOnly reports whether the pool was opened read-only.
func (p *Pool) ReadOnly() bool { return p.readOnly }

// Path returns the pool file path.
func (p *Pool) Path() string { return p.path }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.allocMu.Lock()
	top := p.top
	p.allocMu.Unlock()

	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	st := Stats{
		Capacity: p.capacity,
		HeapTop:  top,
		Free:     p.capacity - top,
		Commits:  p.commits,
		Replayed: p.replayed,
		ReadOnly: p.readOnly,
	}

	if !p.closed.Load() {
		st.Root = p.u64(offRoot)
	}

	return st
}

// Close unmaps the pool and releases its lock. It is idempotent.
func (p *Pool) Close() error {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	if p.closed.Swap(true) {
		return nil
	}

	return p.release()
}

func (p *Pool) release() error {
	var errs []error

	if p.data != nil {
		if err := unix.Munmap(p.data); err != nil {
			errs = append(errs, fmt.Errorf("munmap %s: %w", p.path, err))
		}

		p.data = nil
	}

	for _, f := range []fs.File{p.wal, p.file} {
		if f == nil {
			continue
		}

		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
	}

	p.wal, p.file = nil, nil

	if p.lock != nil {
		if err := p.lock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unlock %s: %w", p.path, err))
		}

		p.lock = nil
	}

	return errors.Join(errs...)
}

var walBufferPool bytebufferpool.Pool

func (p *Pool) u64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(p.data[off:])
}

func le64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, 8), v)
}

func dirOf(path string) string {
	dir := filepath.Dir(path)
	if dir == "" {
		return "."
	}

	return dir
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)

	return len(p), nil
}
