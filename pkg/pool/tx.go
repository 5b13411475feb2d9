package pool

import (
	"encoding/binary"
	"fmt"
)

// Tx is an in-flight transaction created by [Pool.Update].
//
// Writes are buffered in the Tx and reach the pool only when the mutator
// returns nil. A Tx must not be used after its mutator returns, and must not
// be shared between goroutines.
type Tx struct {
	p       *Pool
	records []walRecord

	// Allocations made by this transaction, [start, end) of the heap.
	allocStart uint64
	allocEnd   uint64
}

// Update runs fn in a transaction and commits its writes atomically.
//
// If fn returns an error or panics, nothing is written and the
// transaction's allocations are released when possible. The error (or
// panic) is passed through unchanged.
func (p *Pool) Update(fn func(tx *Tx) error) (err error) {
	if p.readOnly {
		return ErrReadOnly
	}

	if p.closed.Load() {
		return ErrClosed
	}

	tx := &Tx{p: p}

	committed := false

	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	// Once the log is written the transaction counts as committed even if
	// a later step fails: recovery will replay it.
	committed, err = p.commit(tx.records, tx.allocEnd)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// rollback returns the transaction's allocations to the heap if nothing
// was allocated after them. Otherwise the space stays unused; it is still
// zero because it was never written.
func (tx *Tx) rollback() {
	if tx.allocEnd == 0 {
		return
	}

	p := tx.p

	p.allocMu.Lock()
	defer p.allocMu.Unlock()

	if p.top == tx.allocEnd {
		p.top = tx.allocStart
	}
}

// Alloc reserves n zeroed bytes, rounded up to a multiple of 8, and returns
// their offset. It returns [ErrNoSpace] if the pool is full.
func (tx *Tx) Alloc(n int) (uint64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("alloc %d bytes: %w", n, ErrInvalidInput)
	}

	size := align8(uint64(n))
	p := tx.p

	p.allocMu.Lock()
	defer p.allocMu.Unlock()

	if size > p.capacity-p.top {
		return 0, fmt.Errorf("alloc %d bytes with %d free: %w", size, p.capacity-p.top, ErrNoSpace)
	}

	ref := p.top
	p.top += size

	// Reservations of one transaction are contiguous unless another
	// transaction allocated in between; rollback then only releases the
	// tail it still owns.
	if tx.allocEnd != ref {
		tx.allocStart = ref
	}

	tx.allocEnd = p.top

	return ref, nil
}

// Write stores p at ref when the transaction commits.
func (tx *Tx) Write(ref uint64, p []byte) error {
	end := ref + uint64(len(p))
	if ref < HeaderSize || end < ref || end > tx.p.capacity {
		return fmt.Errorf("write [%d, %d) outside heap: %w", ref, end, ErrInvalidInput)
	}

	tx.records = append(tx.records, walRecord{off: ref, data: append([]byte(nil), p...)})

	return nil
}

// PutUint64 stores v little-endian at ref when the transaction commits.
func (tx *Tx) PutUint64(ref uint64, v uint64) error {
	return tx.Write(ref, le64(v))
}

// Load returns n bytes at ref as this transaction sees them: the committed
// content overlaid with the transaction's own writes. The result is a copy.
func (tx *Tx) Load(ref uint64, n int) ([]byte, error) {
	committed, err := tx.p.Load(ref, n)
	if err != nil {
		return nil, err
	}

	out := append([]byte(nil), committed...)
	end := ref + uint64(n)

	for _, rec := range tx.records {
		recEnd := rec.off + uint64(len(rec.data))
		if recEnd <= ref || rec.off >= end {
			continue
		}

		lo := max(rec.off, ref)
		hi := min(recEnd, end)
		copy(out[lo-ref:hi-ref], rec.data[lo-rec.off:hi-rec.off])
	}

	return out, nil
}

// Uint64 is [Tx.Load] for a single little-endian value.
func (tx *Tx) Uint64(ref uint64) (uint64, error) {
	b, err := tx.Load(ref, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// SetRoot sets the pool root reference when the transaction commits.
func (tx *Tx) SetRoot(ref uint64) error {
	if ref != 0 && (ref < HeaderSize || ref >= tx.p.capacity || ref%allocAlign != 0) {
		return fmt.Errorf("root %d: %w", ref, ErrInvalidInput)
	}

	tx.records = append(tx.records, walRecord{off: offRoot, data: le64(ref)})

	return nil
}
