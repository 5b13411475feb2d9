package freq

import (
	"github.com/calvinalkan/wordfreq/pkg/pool"
)

// Ref addresses a record inside a [Memory]. The zero Ref is null.
type Ref uint64

// Memory is the storage a [Table] lives in: an arena of records addressed
// by stable references plus a transaction manager.
//
// Three implementations exist: [NewSerialArena] (no synchronization,
// writes applied in place), [NewArena] (synchronized allocator, writes
// applied in place) and [NewPoolMemory] (a durable [pool.Pool] with
// all-or-nothing transactions).
//
// Memory does not order concurrent access to the bytes it stores; the
// table's locks do.
type Memory interface {
	// Root returns the root reference, or 0 if none has been set.
	Root() Ref

	// Load returns n committed bytes at ref. The result aliases the
	// storage and must not be modified.
	Load(ref Ref, n int) ([]byte, error)

	// Update runs fn as one transaction.
	Update(fn func(tx Tx) error) error
}

// Tx is a transaction on a [Memory].
type Tx interface {
	// Alloc reserves n zeroed bytes, 8-byte aligned.
	Alloc(n int) (Ref, error)

	// Write stores p at ref.
	Write(ref Ref, p []byte) error

	// PutUint64 stores v little-endian at ref.
	PutUint64(ref Ref, v uint64) error

	// Uint64 reads a little-endian value at ref, including this
	// transaction's own writes.
	Uint64(ref Ref) (uint64, error)

	// SetRoot sets the root reference.
	SetRoot(ref Ref) error
}

// ErrNoSpace is returned when the memory cannot hold another record.
var ErrNoSpace = pool.ErrNoSpace

// ErrReadOnly is returned when updating a memory opened read-only.
var ErrReadOnly = pool.ErrReadOnly

// NewPoolMemory adapts an open pool.
func NewPoolMemory(p *pool.Pool) Memory {
	return poolMemory{p: p}
}

type poolMemory struct {
	p *pool.Pool
}

func (m poolMemory) Root() Ref { return Ref(m.p.Root()) }

func (m poolMemory) Load(ref Ref, n int) ([]byte, error) {
	return m.p.Load(uint64(ref), n)
}

func (m poolMemory) Update(fn func(tx Tx) error) error {
	return m.p.Update(func(tx *pool.Tx) error {
		return fn(poolTx{tx: tx})
	})
}

type poolTx struct {
	tx *pool.Tx
}

func (t poolTx) Alloc(n int) (Ref, error) {
	ref, err := t.tx.Alloc(n)
	return Ref(ref), err
}

func (t poolTx) Write(ref Ref, p []byte) error { return t.tx.Write(uint64(ref), p) }

func (t poolTx) PutUint64(ref Ref, v uint64) error { return t.tx.PutUint64(uint64(ref), v) }

func (t poolTx) Uint64(ref Ref) (uint64, error) { return t.tx.Uint64(uint64(ref)) }

func (t poolTx) SetRoot(ref Ref) error { return t.tx.SetRoot(uint64(ref)) }
