package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// TempDirer is the subset of *testing.T that [NewCrash] needs.
type TempDirer interface {
	TempDir() string
}

// ErrCrashFS marks errors originating from the crash filesystem itself.
var ErrCrashFS = errors.New("crashfs")

// ErrCrashed is returned by every [Crash] operation between an injected crash
// and [Crash.Recover].
var ErrCrashed = fmt.Errorf("%w: crashed", ErrCrashFS)

// CrashOp names an operation that counts towards [CrashConfig.FailAfter].
type CrashOp string

const (
	CrashOpOpen      CrashOp = "open"
	CrashOpMkdirAll  CrashOp = "mkdirall"
	CrashOpRemove    CrashOp = "remove"
	CrashOpRename    CrashOp = "rename"
	CrashOpFileWrite CrashOp = "file.write"
	CrashOpFileSync  CrashOp = "file.sync"
)

// CrashPanicError is the panic value of an injected crash.
type CrashPanicError struct {
	Op   CrashOp
	Path string
	Seq  int

	// Cause is set if restoring the durable view failed.
	Cause error
}

func (p *CrashPanicError) Error() string {
	msg := fmt.Sprintf("crashfs: injected crash op=%s seq=%d path=%q", p.Op, p.Seq, p.Path)
	if p.Cause != nil {
		msg += fmt.Sprintf(" cause=%v", p.Cause)
	}

	return msg
}

func (p *CrashPanicError) Unwrap() error { return p.Cause }

// CrashConfig controls [Crash]. The zero value never injects crashes.
type CrashConfig struct {
	// FailAfter crashes on the Nth counted operation (1-indexed), before the
	// operation takes effect, then panics with a [*CrashPanicError]. The
	// failpoint fires once.
	FailAfter int
}

// Crash is a test filesystem that simulates power loss.
//
// Operations run against a real working directory, so files have real
// descriptors and can be flocked or mmapped. Paths are relative to the
// crash root; absolute paths and paths escaping the root are rejected.
//
// The durability model is pessimistic:
//   - file contents become durable when [File.Sync] succeeds on a handle
//     (the whole current content is captured, including mmap writes);
//   - names become durable when [File.Sync] succeeds on a handle of their
//     parent directory;
//   - directories themselves are always durable.
//
// [Crash.SimulateCrash] closes every handle, rotates to a fresh working
// directory and restores only the durable view. A durable name whose
// content was never synced comes back empty.
type Crash struct {
	tb TempDirer

	mu   sync.Mutex
	live string
	open map[*crashFile]struct{}

	nextID  int
	dirs    map[string]struct{}
	names   map[string]int // live name -> object
	durable map[string]int // durable name -> object
	data    map[int][]byte // durable contents

	failAfter int
	ops       int
	latched   bool
}

// NewCrash returns a crash filesystem rooted in a fresh directory from tb.
func NewCrash(tb TempDirer, config *CrashConfig) (*Crash, error) {
	if tb == nil {
		return nil, fmt.Errorf("%w: tb is nil", ErrCrashFS)
	}

	c := &Crash{
		tb:      tb,
		live:    tb.TempDir(),
		open:    make(map[*crashFile]struct{}),
		nextID:  1,
		dirs:    map[string]struct{}{".": {}},
		names:   make(map[string]int),
		durable: make(map[string]int),
		data:    make(map[int][]byte),
	}

	if config != nil {
		c.failAfter = config.FailAfter
	}

	return c, nil
}

// Dir returns the current working directory backing the crash root.
// It changes on every simulated crash.
func (c *Crash) Dir() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.live
}

// ArmFailpoint makes the nth counted operation from now crash. n <= 0
// disarms the failpoint.
func (c *Crash) ArmFailpoint(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 {
		c.failAfter = 0
		return
	}

	c.failAfter = c.ops + n
}

// Recover clears the latched state after an injected crash.
func (c *Crash) Recover() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latched = false
}

// SimulateCrash drops everything that is not durable.
func (c *Crash) SimulateCrash() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.crashLocked()
}

func (c *Crash) crashLocked() error {
	for cf := range c.open {
		_ = cf.f.Close()
		cf.closed = true
	}

	clear(c.open)

	c.live = c.tb.TempDir()

	dirs := make([]string, 0, len(c.dirs))
	for d := range c.dirs {
		dirs = append(dirs, d)
	}

	sort.Strings(dirs)

	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(c.live, d), 0o755); err != nil {
			return fmt.Errorf("%w: restore dir %q: %w", ErrCrashFS, d, err)
		}
	}

	c.names = make(map[string]int, len(c.durable))

	for name, id := range c.durable {
		if err := os.WriteFile(filepath.Join(c.live, name), c.data[id], 0o644); err != nil {
			return fmt.Errorf("%w: restore file %q: %w", ErrCrashFS, name, err)
		}

		c.names[name] = id
	}

	return nil
}

// step counts op and injects the configured crash. It unlocks c.mu before
// panicking.
func (c *Crash) step(op CrashOp, rel string) error {
	if c.latched {
		c.mu.Unlock()
		return ErrCrashed
	}

	c.ops++

	if c.failAfter == 0 || c.ops != c.failAfter {
		return nil
	}

	c.failAfter = 0
	c.latched = true
	p := &CrashPanicError{Op: op, Path: rel, Seq: c.ops, Cause: c.crashLocked()}
	c.mu.Unlock()

	panic(p)
}

func (c *Crash) rel(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: absolute path %q", ErrCrashFS, path)
	}

	rel := filepath.Clean(path)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes root", ErrCrashFS, path)
	}

	return rel, nil
}

// Open implements [FS].
func (c *Crash) Open(path string) (File, error) {
	return c.OpenFile(path, os.O_RDONLY, 0)
}

// OpenFile implements [FS].
func (c *Crash) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	rel, err := c.rel(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()

	if err := c.step(CrashOpOpen, rel); err != nil {
		return nil, err
	}

	defer c.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(c.live, rel), flag, perm)
	if err != nil {
		return nil, err
	}

	cf := &crashFile{c: c, f: f, rel: rel}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if info.IsDir() {
		cf.dir = true
	} else {
		id, ok := c.names[rel]
		if !ok {
			id = c.nextID
			c.nextID++
			c.names[rel] = id
		}

		cf.id = id
	}

	c.open[cf] = struct{}{}

	return cf, nil
}

// ReadFile implements [FS].
func (c *Crash) ReadFile(path string) ([]byte, error) {
	rel, err := c.rel(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latched {
		return nil, ErrCrashed
	}

	return os.ReadFile(filepath.Join(c.live, rel))
}

// MkdirAll implements [FS].
func (c *Crash) MkdirAll(path string, perm os.FileMode) error {
	rel, err := c.rel(path)
	if err != nil {
		return err
	}

	c.mu.Lock()

	if err := c.step(CrashOpMkdirAll, rel); err != nil {
		return err
	}

	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(c.live, rel), perm); err != nil {
		return err
	}

	for d := rel; d != "." && d != string(filepath.Separator); d = filepath.Dir(d) {
		c.dirs[d] = struct{}{}
	}

	return nil
}

// Stat implements [FS].
func (c *Crash) Stat(path string) (os.FileInfo, error) {
	rel, err := c.rel(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latched {
		return nil, ErrCrashed
	}

	return os.Stat(filepath.Join(c.live, rel))
}

// Exists implements [FS].
func (c *Crash) Exists(path string) (bool, error) {
	_, err := c.Stat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, err
}

// Remove implements [FS].
func (c *Crash) Remove(path string) error {
	rel, err := c.rel(path)
	if err != nil {
		return err
	}

	c.mu.Lock()

	if err := c.step(CrashOpRemove, rel); err != nil {
		return err
	}

	defer c.mu.Unlock()

	if err := os.Remove(filepath.Join(c.live, rel)); err != nil {
		return err
	}

	delete(c.names, rel)

	return nil
}

// Rename implements [FS].
func (c *Crash) Rename(oldpath, newpath string) error {
	oldRel, err := c.rel(oldpath)
	if err != nil {
		return err
	}

	newRel, err := c.rel(newpath)
	if err != nil {
		return err
	}

	c.mu.Lock()

	if err := c.step(CrashOpRename, oldRel); err != nil {
		return err
	}

	defer c.mu.Unlock()

	if err := os.Rename(filepath.Join(c.live, oldRel), filepath.Join(c.live, newRel)); err != nil {
		return err
	}

	if id, ok := c.names[oldRel]; ok {
		c.names[newRel] = id
		delete(c.names, oldRel)
	}

	return nil
}

// syncFileLocked captures the live content of object id as durable.
func (c *Crash) syncFileLocked(id int) error {
	for name, nid := range c.names {
		if nid != id {
			continue
		}

		content, err := os.ReadFile(filepath.Join(c.live, name))
		if err != nil {
			return fmt.Errorf("%w: snapshot %q: %w", ErrCrashFS, name, err)
		}

		c.data[id] = content

		return nil
	}

	// Unlinked; nothing can observe it after a crash.
	return nil
}

// syncDirLocked makes the live names directly under dir durable.
func (c *Crash) syncDirLocked(dir string) {
	for name := range c.durable {
		if filepath.Dir(name) == dir {
			delete(c.durable, name)
		}
	}

	for name, id := range c.names {
		if filepath.Dir(name) == dir {
			c.durable[name] = id
		}
	}
}

type crashFile struct {
	c      *Crash
	f      *os.File
	rel    string
	id     int
	dir    bool
	closed bool
}

func (cf *crashFile) Read(p []byte) (int, error) { return cf.f.Read(p) }

func (cf *crashFile) Seek(offset int64, whence int) (int64, error) {
	return cf.f.Seek(offset, whence)
}

func (cf *crashFile) Fd() uintptr { return cf.f.Fd() }

func (cf *crashFile) Stat() (os.FileInfo, error) { return cf.f.Stat() }

func (cf *crashFile) Chmod(mode os.FileMode) error { return cf.f.Chmod(mode) }

func (cf *crashFile) Write(p []byte) (int, error) {
	cf.c.mu.Lock()

	if err := cf.c.step(CrashOpFileWrite, cf.rel); err != nil {
		return 0, err
	}

	defer cf.c.mu.Unlock()

	if cf.closed {
		return 0, os.ErrClosed
	}

	return cf.f.Write(p)
}

func (cf *crashFile) Sync() error {
	cf.c.mu.Lock()

	if err := cf.c.step(CrashOpFileSync, cf.rel); err != nil {
		return err
	}

	defer cf.c.mu.Unlock()

	if cf.closed {
		return os.ErrClosed
	}

	if err := cf.f.Sync(); err != nil {
		return err
	}

	if cf.dir {
		cf.c.syncDirLocked(cf.rel)
		return nil
	}

	return cf.c.syncFileLocked(cf.id)
}

func (cf *crashFile) Close() error {
	cf.c.mu.Lock()
	defer cf.c.mu.Unlock()

	if cf.closed {
		return os.ErrClosed
	}

	cf.closed = true
	delete(cf.c.open, cf)

	return cf.f.Close()
}

// Compile-time interface checks.
var (
	_ FS   = (*Crash)(nil)
	_ File = (*crashFile)(nil)
)
