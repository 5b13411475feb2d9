// Package freq implements the word frequency table: a fixed array of hash
// buckets, each heading a singly linked chain of (word, count) entries,
// stored in a [Memory].
//
// Record is the only mutation. For a word already present it takes the
// entry's lock and increments the count in one transaction. For a new word
// it takes the bucket exclusively, re-checks, and prepends a new entry in
// one transaction. Entries are never moved or removed, so readers can walk
// a chain without the bucket lock once they have read its head.
package freq

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/llxisdsh/pb"
)

// Persisted record layout, little-endian.
//
//	bucket: lock u64 (always 0), head ref
//	entry:  next ref, word ref, lock u64 (always 0), count i64
//	word:   u32 length, bytes, padding to 8
const (
	bucketSize    = 16
	bucketHeadOff = 8

	entrySize     = 32
	entryNextOff  = 0
	entryWordOff  = 8
	entryCountOff = 24

	wordLenSize = 4

	// BucketArraySize is the space the bucket array takes in a [Memory].
	BucketArraySize = NBuckets * bucketSize

	// MaxWordLen is the longest word the table stores.
	MaxWordLen = 8192
)

var (
	// ErrEmptyWord is returned when recording an empty word.
	ErrEmptyWord = errors.New("freq: empty word")

	// ErrWordTooLong is returned when recording a word over [MaxWordLen].
	ErrWordTooLong = errors.New("freq: word too long")

	// ErrNotASCII is returned when recording a word with a byte >= 0x80.
	ErrNotASCII = errors.New("freq: word is not ASCII")

	// ErrCorrupt indicates a table structure that cannot be valid: a
	// chain pointing outside the memory or an invalid word record.
	ErrCorrupt = errors.New("freq: corrupt table")
)

// Entry is one (word, count) pair read from a table.
type Entry struct {
	Word  string
	Count int64
}

// Table is a word frequency table inside a [Memory].
//
// Table is safe for concurrent use if its Memory is.
type Table struct {
	mem  Memory
	root Ref

	buckets [NBuckets]sync.RWMutex

	// entry ref -> lock guarding that entry's count.
	entries *pb.MapOf[Ref, *sync.Mutex]
}

// Open returns the table rooted in mem, creating an empty one on first use.
//
// If mem has no root and is read-only, Open returns an empty table that
// stays empty: reads find nothing and Record returns [ErrReadOnly].
func Open(mem Memory) (*Table, error) {
	root := mem.Root()

	if root == 0 {
		err := mem.Update(func(tx Tx) error {
			ref, err := tx.Alloc(BucketArraySize)
			if err != nil {
				return err
			}

			root = ref

			return tx.SetRoot(ref)
		})
		if errors.Is(err, ErrReadOnly) {
			return &Table{mem: mem, entries: pb.NewMapOf[Ref, *sync.Mutex]()}, nil
		}

		if err != nil {
			return nil, fmt.Errorf("create table: %w", err)
		}
	}

	if _, err := mem.Load(root, BucketArraySize); err != nil {
		return nil, fmt.Errorf("bucket array at %d: %w: %w", root, ErrCorrupt, err)
	}

	return &Table{mem: mem, root: root, entries: pb.NewMapOf[Ref, *sync.Mutex]()}, nil
}

func (t *Table) bucketRef(idx uint32) Ref {
	return t.root + Ref(idx)*bucketSize
}

func (t *Table) entryLock(e Ref) *sync.Mutex {
	if mu, ok := t.entries.Load(e); ok {
		return mu
	}

	mu, _ := t.entries.LoadOrStoreFn(e, func() *sync.Mutex { return &sync.Mutex{} })

	return mu
}

// Record counts one occurrence of word.
//
// After Record returns nil the new count is committed. If it returns an
// error the table is unchanged. Errors from the memory, such as
// [ErrNoSpace], are wrapped.
func (t *Table) Record(word []byte) error {
	if len(word) == 0 {
		return ErrEmptyWord
	}

	if len(word) > MaxWordLen {
		return fmt.Errorf("%d bytes: %w", len(word), ErrWordTooLong)
	}

	if !isASCII(word) {
		return fmt.Errorf("%q: %w", word, ErrNotASCII)
	}

	if t.root == 0 {
		return ErrReadOnly
	}

	idx := Hash(word)
	bucket := &t.buckets[idx]
	ref := t.bucketRef(idx)

	bucket.RLock()
	e, err := t.find(ref, word)
	bucket.RUnlock()

	if err != nil {
		return err
	}

	if e != 0 {
		return t.bump(e, word)
	}

	bucket.Lock()

	e, err = t.find(ref, word)
	if err != nil {
		bucket.Unlock()
		return err
	}

	if e != 0 {
		bucket.Unlock()
		return t.bump(e, word)
	}

	err = t.insert(ref, word)
	bucket.Unlock()

	return err
}

func isASCII(word []byte) bool {
	for _, c := range word {
		if c >= 0x80 {
			return false
		}
	}

	return true
}

func (t *Table) bump(e Ref, word []byte) error {
	mu := t.entryLock(e)

	mu.Lock()
	defer mu.Unlock()

	err := t.mem.Update(func(tx Tx) error {
		n, err := tx.Uint64(e + entryCountOff)
		if err != nil {
			return err
		}

		return tx.PutUint64(e+entryCountOff, n+1)
	})
	if err != nil {
		return fmt.Errorf("bump count for %q: %w", word, err)
	}

	return nil
}

// insert prepends a new entry for word. The caller holds the bucket
// exclusively.
func (t *Table) insert(bucket Ref, word []byte) error {
	err := t.mem.Update(func(tx Tx) error {
		head, err := tx.Uint64(bucket + bucketHeadOff)
		if err != nil {
			return err
		}

		e, err := tx.Alloc(entrySize)
		if err != nil {
			return err
		}

		w, err := tx.Alloc(wordLenSize + len(word))
		if err != nil {
			return err
		}

		blob := binary.LittleEndian.AppendUint32(make([]byte, 0, wordLenSize+len(word)), uint32(len(word)))
		blob = append(blob, word...)

		if err := tx.Write(w, blob); err != nil {
			return err
		}

		var rec [entrySize]byte
		binary.LittleEndian.PutUint64(rec[entryNextOff:], head)
		binary.LittleEndian.PutUint64(rec[entryWordOff:], uint64(w))
		binary.LittleEndian.PutUint64(rec[entryCountOff:], 1)

		if err := tx.Write(e, rec[:]); err != nil {
			return err
		}

		return tx.PutUint64(bucket+bucketHeadOff, uint64(e))
	})
	if err != nil {
		return fmt.Errorf("create entry for %q: %w", word, err)
	}

	return nil
}

// find returns the entry for word in the chain of bucket, or 0. The caller
// holds the bucket lock.
func (t *Table) find(bucket Ref, word []byte) (Ref, error) {
	e, err := t.head(bucket)
	if err != nil {
		return 0, err
	}

	for e != 0 {
		rec, err := t.entry(e)
		if err != nil {
			return 0, err
		}

		w, err := t.word(rec.word)
		if err != nil {
			return 0, err
		}

		if bytes.Equal(w, word) {
			return e, nil
		}

		e = rec.next
	}

	return 0, nil
}

func (t *Table) head(bucket Ref) (Ref, error) {
	b, err := t.mem.Load(bucket+bucketHeadOff, 8)
	if err != nil {
		return 0, fmt.Errorf("bucket %d: %w: %w", bucket, ErrCorrupt, err)
	}

	return Ref(binary.LittleEndian.Uint64(b)), nil
}

type entryRec struct {
	next Ref
	word Ref
}

func (t *Table) entry(e Ref) (entryRec, error) {
	b, err := t.mem.Load(e, entrySize)
	if err != nil {
		return entryRec{}, fmt.Errorf("entry %d: %w: %w", e, ErrCorrupt, err)
	}

	return entryRec{
		next: Ref(binary.LittleEndian.Uint64(b[entryNextOff:])),
		word: Ref(binary.LittleEndian.Uint64(b[entryWordOff:])),
	}, nil
}

// count reads an entry's count under its lock.
func (t *Table) count(e Ref) (int64, error) {
	mu := t.entryLock(e)

	mu.Lock()
	defer mu.Unlock()

	b, err := t.mem.Load(e+entryCountOff, 8)
	if err != nil {
		return 0, fmt.Errorf("entry %d: %w: %w", e, ErrCorrupt, err)
	}

	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (t *Table) word(w Ref) ([]byte, error) {
	b, err := t.mem.Load(w, wordLenSize)
	if err != nil {
		return nil, fmt.Errorf("word %d: %w: %w", w, ErrCorrupt, err)
	}

	n := int(binary.LittleEndian.Uint32(b))
	if n == 0 || n > MaxWordLen {
		return nil, fmt.Errorf("word %d has length %d: %w", w, n, ErrCorrupt)
	}

	b, err = t.mem.Load(w+wordLenSize, n)
	if err != nil {
		return nil, fmt.Errorf("word %d: %w: %w", w, ErrCorrupt, err)
	}

	return b, nil
}

// Lookup returns the count of word and whether it is present.
func (t *Table) Lookup(word []byte) (int64, bool, error) {
	if t.root == 0 || len(word) == 0 || len(word) > MaxWordLen || !isASCII(word) {
		return 0, false, nil
	}

	idx := Hash(word)
	bucket := &t.buckets[idx]

	bucket.RLock()
	e, err := t.find(t.bucketRef(idx), word)
	bucket.RUnlock()

	if err != nil || e == 0 {
		return 0, false, err
	}

	n, err := t.count(e)
	if err != nil {
		return 0, false, err
	}

	return n, true, nil
}

// All yields every entry: buckets in index order, most recently inserted
// first within a bucket. It may run concurrently with [Table.Record]; each
// count is current when read, but the sequence is not a snapshot.
//
// On a structural error All yields it once with a zero Entry and stops.
func (t *Table) All() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if t.root == 0 {
			return
		}

		for idx := range uint32(NBuckets) {
			bucket := &t.buckets[idx]

			bucket.RLock()
			e, err := t.head(t.bucketRef(idx))
			bucket.RUnlock()

			if err != nil {
				yield(Entry{}, err)
				return
			}

			for e != 0 {
				ent, err := t.read(e)
				if err != nil {
					yield(Entry{}, err)
					return
				}

				if !yield(ent.Entry, nil) {
					return
				}

				e = ent.next
			}
		}
	}
}

type chainEntry struct {
	Entry

	next Ref
}

func (t *Table) read(e Ref) (chainEntry, error) {
	rec, err := t.entry(e)
	if err != nil {
		return chainEntry{}, err
	}

	w, err := t.word(rec.word)
	if err != nil {
		return chainEntry{}, err
	}

	n, err := t.count(e)
	if err != nil {
		return chainEntry{}, err
	}

	return chainEntry{Entry: Entry{Word: string(w), Count: n}, next: rec.next}, nil
}

// Stats summarizes a table.
type Stats struct {
	Distinct     int64
	Total        int64
	UsedBuckets  int
	LongestChain int
}

// Stats walks the whole table.
func (t *Table) Stats() (Stats, error) {
	var st Stats

	if t.root == 0 {
		return st, nil
	}

	for idx := range uint32(NBuckets) {
		bucket := &t.buckets[idx]

		bucket.RLock()
		e, err := t.head(t.bucketRef(idx))
		bucket.RUnlock()

		if err != nil {
			return Stats{}, err
		}

		chain := 0

		for e != 0 {
			ent, err := t.read(e)
			if err != nil {
				return Stats{}, err
			}

			chain++
			st.Distinct++
			st.Total += ent.Count
			e = ent.next
		}

		if chain > 0 {
			st.UsedBuckets++
		}

		st.LongestChain = max(st.LongestChain, chain)
	}

	return st, nil
}
