package freq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// arenaChunkSize bounds a single allocation. Records never straddle
	// chunks, so chunks can be added without moving existing ones.
	arenaChunkSize = 1 << 20

	// arenaStart keeps offset 0 free as the null reference.
	arenaStart = 64
)

var errArenaRange = errors.New("arena: reference out of range")

// Arena is an in-memory [Memory]. Writes apply in place and transactions
// provide no rollback: a failed Update may leave unreachable allocations
// behind, never a torn link.
type Arena struct {
	// mu guards top and chunk growth. It is a no-op for serial arenas.
	mu  sync.Locker
	top uint64

	chunks atomic.Pointer[[][]byte]
	root   atomic.Uint64
}

// NewArena returns an arena whose allocator is safe for concurrent
// transactions.
func NewArena() *Arena {
	return newArena(&sync.Mutex{})
}

// NewSerialArena returns an arena for single-goroutine use. Its allocator
// takes no locks.
func NewSerialArena() *Arena {
	return newArena(noLock{})
}

func newArena(mu sync.Locker) *Arena {
	a := &Arena{mu: mu, top: arenaStart}
	chunks := [][]byte{make([]byte, arenaChunkSize)}
	a.chunks.Store(&chunks)

	return a
}

// Root implements [Memory].
func (a *Arena) Root() Ref { return Ref(a.root.Load()) }

// Load implements [Memory].
func (a *Arena) Load(ref Ref, n int) ([]byte, error) {
	return a.slice(ref, n)
}

// Update implements [Memory].
func (a *Arena) Update(fn func(tx Tx) error) error {
	return fn(arenaTx{a: a})
}

// Size returns the number of bytes handed out so far, including padding.
func (a *Arena) Size() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.top
}

func (a *Arena) slice(ref Ref, n int) ([]byte, error) {
	chunks := *a.chunks.Load()

	idx := uint64(ref) / arenaChunkSize
	off := uint64(ref) % arenaChunkSize

	if ref == 0 || n < 0 || idx >= uint64(len(chunks)) || off+uint64(n) > arenaChunkSize {
		return nil, fmt.Errorf("load [%d, +%d): %w", ref, n, errArenaRange)
	}

	return chunks[idx][off : off+uint64(n) : off+uint64(n)], nil
}

func (a *Arena) alloc(n int) (Ref, error) {
	if n <= 0 || n > arenaChunkSize {
		return 0, fmt.Errorf("alloc %d bytes: %w", n, errArenaRange)
	}

	size := (uint64(n) + 7) &^ 7

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.top%arenaChunkSize+size > arenaChunkSize {
		a.top = (a.top/arenaChunkSize + 1) * arenaChunkSize
	}

	ref := a.top
	a.top += size

	chunks := *a.chunks.Load()
	for uint64(len(chunks))*arenaChunkSize < a.top {
		grown := append(chunks[:len(chunks):len(chunks)], make([]byte, arenaChunkSize))
		a.chunks.Store(&grown)
		chunks = grown
	}

	return Ref(ref), nil
}

type arenaTx struct {
	a *Arena
}

func (t arenaTx) Alloc(n int) (Ref, error) { return t.a.alloc(n) }

func (t arenaTx) Write(ref Ref, p []byte) error {
	dst, err := t.a.slice(ref, len(p))
	if err != nil {
		return err
	}

	copy(dst, p)

	return nil
}

func (t arenaTx) PutUint64(ref Ref, v uint64) error {
	dst, err := t.a.slice(ref, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(dst, v)

	return nil
}

func (t arenaTx) Uint64(ref Ref) (uint64, error) {
	src, err := t.a.slice(ref, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(src), nil
}

func (t arenaTx) SetRoot(ref Ref) error {
	t.a.root.Store(uint64(ref))
	return nil
}

type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// Compile-time interface checks.
var (
	_ Memory = (*Arena)(nil)
	_ Memory = poolMemory{}
)
