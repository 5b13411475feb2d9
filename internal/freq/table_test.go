package freq_test

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/wordfreq/internal/freq"
	"github.com/calvinalkan/wordfreq/pkg/fs"
	"github.com/calvinalkan/wordfreq/pkg/pool"
)

const testPoolSize = 4 << 20

type backend struct {
	name       string
	concurrent bool
	open       func(t *testing.T) freq.Memory
}

func openPoolMemory(t *testing.T, path string, opts pool.Options) *pool.Pool {
	t.Helper()

	p, err := pool.Open(fs.NewReal(), path, opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = p.Close() })

	return p
}

func newTestPool(t *testing.T, size int64) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "counts.pool")
	require.NoError(t, pool.Create(fs.NewReal(), path, pool.Options{Size: size}))

	return path
}

var backends = []backend{
	{
		name: "serial arena",
		open: func(*testing.T) freq.Memory { return freq.NewSerialArena() },
	},
	{
		name:       "arena",
		concurrent: true,
		open:       func(*testing.T) freq.Memory { return freq.NewArena() },
	},
	{
		name:       "pool",
		concurrent: true,
		open: func(t *testing.T) freq.Memory {
			path := newTestPool(t, testPoolSize)
			return freq.NewPoolMemory(openPoolMemory(t, path, pool.Options{Sync: pool.SyncNone}))
		},
	},
}

func openTable(t *testing.T, mem freq.Memory) *freq.Table {
	t.Helper()

	tbl, err := freq.Open(mem)
	require.NoError(t, err)

	return tbl
}

func recordAll(t *testing.T, tbl *freq.Table, words ...string) {
	t.Helper()

	for _, w := range words {
		require.NoError(t, tbl.Record([]byte(w)), "Record(%q)", w)
	}
}

func collect(t *testing.T, tbl *freq.Table) []freq.Entry {
	t.Helper()

	var out []freq.Entry

	for e, err := range tbl.All() {
		require.NoError(t, err)

		out = append(out, e)
	}

	return out
}

func countsOf(t *testing.T, tbl *freq.Table) map[string]int64 {
	t.Helper()

	out := make(map[string]int64)

	for _, e := range collect(t, tbl) {
		_, dup := out[e.Word]
		require.False(t, dup, "word %q enumerated twice", e.Word)

		out[e.Word] = e.Count
	}

	return out
}

func Test_Table_Counts_Words_Case_Sensitively_When_Recording_A_Sentence(t *testing.T) {
	t.Parallel()

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			tbl := openTable(t, b.open(t))
			recordAll(t, tbl, "the", "Cat", "sat", "on", "the", "Cat")

			diff := cmp.Diff(map[string]int64{"the": 2, "Cat": 2, "sat": 1, "on": 1}, countsOf(t, tbl))
			assert.Empty(t, diff)

			n, ok, err := tbl.Lookup([]byte("cat"))
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Zero(t, n)
		})
	}
}

func Test_Table_Enumerates_Newest_First_When_Words_Share_A_Bucket(t *testing.T) {
	t.Parallel()

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			tbl := openTable(t, b.open(t))
			recordAll(t, tbl, "aa", "kxw", "aa", "ozr")

			got := collect(t, tbl)
			want := []freq.Entry{{Word: "ozr", Count: 1}, {Word: "kxw", Count: 1}, {Word: "aa", Count: 2}}
			assert.Empty(t, cmp.Diff(want, got))
		})
	}
}

func Test_Table_Enumerates_In_Bucket_Order_When_Words_In_Different_Buckets(t *testing.T) {
	t.Parallel()

	tbl := openTable(t, freq.NewSerialArena())
	recordAll(t, tbl, "hello", "Cat", "a", "the")

	var words []string
	for _, e := range collect(t, tbl) {
		words = append(words, e.Word)
	}

	// Buckets: Cat=2479, the=3644, hello=7176, a=9875.
	assert.Equal(t, []string{"Cat", "the", "hello", "a"}, words)
}

func Test_Table_Record_Rejects_Word_When_Empty_Or_Too_Long(t *testing.T) {
	t.Parallel()

	tbl := openTable(t, freq.NewSerialArena())

	require.ErrorIs(t, tbl.Record(nil), freq.ErrEmptyWord)
	require.ErrorIs(t, tbl.Record([]byte(strings.Repeat("a", freq.MaxWordLen+1))), freq.ErrWordTooLong)
	require.NoError(t, tbl.Record([]byte(strings.Repeat("a", freq.MaxWordLen))))

	assert.Len(t, collect(t, tbl), 1)
}

func Test_Table_Record_Rejects_Word_When_Not_ASCII(t *testing.T) {
	t.Parallel()

	tbl := openTable(t, freq.NewSerialArena())

	require.ErrorIs(t, tbl.Record([]byte("caf\xc3\xa9")), freq.ErrNotASCII)
	require.ErrorIs(t, tbl.Record([]byte{0xFF}), freq.ErrNotASCII)

	_, ok, err := tbl.Lookup([]byte{0xFF})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Empty(t, collect(t, tbl))
}

func Test_Table_Lookup_And_All_See_Consistent_Counts_When_Readers_Run_During_Writes(t *testing.T) {
	t.Parallel()

	const (
		writers = 8
		rounds  = 400
	)

	vocab := []string{"aa", "kxw", "ozr", "the", "Cat", "x"}

	for _, b := range backends {
		if !b.concurrent {
			continue
		}

		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			tbl := openTable(t, b.open(t))

			var (
				writersWG sync.WaitGroup
				readerWG  sync.WaitGroup
			)

			done := make(chan struct{})
			readErrs := make(chan error, 1)

			readerWG.Add(1)

			go func() {
				defer readerWG.Done()

				last := map[string]int64{}

				for {
					select {
					case <-done:
						return
					default:
					}

					for e, err := range tbl.All() {
						if err != nil {
							readErrs <- err
							return
						}

						if e.Count < last[e.Word] {
							readErrs <- fmt.Errorf("count of %q went from %d to %d", e.Word, last[e.Word], e.Count)
							return
						}

						last[e.Word] = e.Count
					}

					n, ok, err := tbl.Lookup([]byte("x"))
					if err != nil {
						readErrs <- err
						return
					}

					if ok && n < 1 {
						readErrs <- fmt.Errorf("lookup x: count %d", n)
						return
					}
				}
			}()

			for w := range writers {
				writersWG.Add(1)

				go func() {
					defer writersWG.Done()

					for i := range rounds {
						if err := tbl.Record([]byte(vocab[(w+i)%len(vocab)])); err != nil {
							t.Error(err)
							return
						}
					}
				}()
			}

			writersWG.Wait()
			close(done)
			readerWG.Wait()
			close(readErrs)

			require.NoError(t, <-readErrs)

			var total int64
			for _, n := range countsOf(t, tbl) {
				total += n
			}

			assert.Equal(t, int64(writers*rounds), total)
		})
	}
}

func Test_Table_Has_One_Entry_Per_Word_When_Recorded_Concurrently(t *testing.T) {
	t.Parallel()

	const (
		workers = 8
		rounds  = 300
	)

	vocab := []string{"aa", "kxw", "ozr", "ab", "iyv", "quh", "the", "Cat", "x", "hello"}

	for _, b := range backends {
		if !b.concurrent {
			continue
		}

		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			tbl := openTable(t, b.open(t))

			var wg sync.WaitGroup

			errs := make(chan error, workers)

			for w := range workers {
				wg.Add(1)

				go func() {
					defer wg.Done()

					for i := range rounds {
						word := vocab[(w+i)%len(vocab)]
						if err := tbl.Record([]byte(word)); err != nil {
							errs <- err
							return
						}
					}
				}()
			}

			wg.Wait()
			close(errs)

			for err := range errs {
				require.NoError(t, err)
			}

			got := countsOf(t, tbl)
			require.Len(t, got, len(vocab))

			var total int64
			for _, n := range got {
				total += n
			}

			assert.Equal(t, int64(workers*rounds), total)

			st, err := tbl.Stats()
			require.NoError(t, err)
			assert.Equal(t, int64(len(vocab)), st.Distinct)
			assert.Equal(t, total, st.Total)
			assert.Equal(t, 3, st.LongestChain)
		})
	}
}

func Test_Table_Counts_Twenty_Thousand_When_Two_Workers_Record_Same_Word(t *testing.T) {
	t.Parallel()

	for _, b := range backends {
		if !b.concurrent {
			continue
		}

		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			tbl := openTable(t, b.open(t))

			var wg sync.WaitGroup

			for range 2 {
				wg.Add(1)

				go func() {
					defer wg.Done()

					for range 10000 {
						if err := tbl.Record([]byte("x")); err != nil {
							t.Error(err)
							return
						}
					}
				}()
			}

			wg.Wait()

			assert.Empty(t, cmp.Diff([]freq.Entry{{Word: "x", Count: 20000}}, collect(t, tbl)))
		})
	}
}

func Test_Table_Keeps_Counts_When_Pool_Reopened(t *testing.T) {
	t.Parallel()

	path := newTestPool(t, testPoolSize)

	p, err := pool.Open(fs.NewReal(), path, pool.Options{})
	require.NoError(t, err)

	tbl := openTable(t, freq.NewPoolMemory(p))
	recordAll(t, tbl, "the", "Cat", "sat", "on", "the", "Cat")
	require.NoError(t, p.Close())

	p = openPoolMemory(t, path, pool.Options{})
	tbl = openTable(t, freq.NewPoolMemory(p))
	recordAll(t, tbl, "sat")

	diff := cmp.Diff(map[string]int64{"the": 2, "Cat": 2, "sat": 2, "on": 1}, countsOf(t, tbl))
	assert.Empty(t, diff)
}

func Test_Table_Reads_Pool_When_Opened_ReadOnly(t *testing.T) {
	t.Parallel()

	path := newTestPool(t, testPoolSize)

	p, err := pool.Open(fs.NewReal(), path, pool.Options{})
	require.NoError(t, err)

	tbl := openTable(t, freq.NewPoolMemory(p))
	recordAll(t, tbl, "a", "b", "a")
	require.NoError(t, p.Close())

	ro := openPoolMemory(t, path, pool.Options{ReadOnly: true})
	tbl = openTable(t, freq.NewPoolMemory(ro))

	n, ok, err := tbl.Lookup([]byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), n)

	require.ErrorIs(t, tbl.Record([]byte("a")), pool.ErrReadOnly)
}

func Test_Table_Is_Empty_When_Read_Only_Pool_Has_No_Root(t *testing.T) {
	t.Parallel()

	path := newTestPool(t, testPoolSize)
	ro := openPoolMemory(t, path, pool.Options{ReadOnly: true})

	tbl := openTable(t, freq.NewPoolMemory(ro))

	assert.Empty(t, collect(t, tbl))

	st, err := tbl.Stats()
	require.NoError(t, err)
	assert.Equal(t, freq.Stats{}, st)

	_, ok, err := tbl.Lookup([]byte("the"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.ErrorIs(t, tbl.Record([]byte("the")), freq.ErrReadOnly)
	assert.Zero(t, ro.Root())
}

func Test_Table_Rolls_Back_Insert_When_Pool_Runs_Out_Of_Space(t *testing.T) {
	t.Parallel()

	const wordLen = 4000

	// Header, bucket array and room for exactly two entries with their words.
	size := int64(pool.HeaderSize + freq.BucketArraySize + 2*(32+wordLen+8))
	path := newTestPool(t, size)
	p := openPoolMemory(t, path, pool.Options{Sync: pool.SyncNone})
	tbl := openTable(t, freq.NewPoolMemory(p))

	word := func(c byte) []byte { return []byte(strings.Repeat(string(c), wordLen)) }

	require.NoError(t, tbl.Record(word('a')))
	require.NoError(t, tbl.Record(word('b')))

	before := p.Stats()

	err := tbl.Record(word('c'))
	require.ErrorIs(t, err, freq.ErrNoSpace)
	assert.Contains(t, err.Error(), "create entry for")

	assert.Equal(t, before.HeapTop, p.Stats().HeapTop)

	_, ok, err := tbl.Lookup(word('c'))
	require.NoError(t, err)
	assert.False(t, ok)

	// Existing words still count.
	require.NoError(t, tbl.Record(word('a')))

	n, _, err := tbl.Lookup(word('a'))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func Test_Table_Stats_Summarizes_Chains_When_Table_Has_Words(t *testing.T) {
	t.Parallel()

	tbl := openTable(t, freq.NewArena())
	recordAll(t, tbl, "aa", "kxw", "ozr", "the", "the")

	st, err := tbl.Stats()
	require.NoError(t, err)
	assert.Equal(t, freq.Stats{Distinct: 4, Total: 5, UsedBuckets: 2, LongestChain: 3}, st)
}

func Test_Table_All_Stops_When_Consumer_Breaks(t *testing.T) {
	t.Parallel()

	tbl := openTable(t, freq.NewArena())

	for i := range 50 {
		recordAll(t, tbl, fmt.Sprintf("w%c%c", 'a'+i%26, 'a'+i/26))
	}

	seen := 0

	for _, err := range tbl.All() {
		require.NoError(t, err)

		seen++
		if seen == 5 {
			break
		}
	}

	assert.Equal(t, 5, seen)

	words := make([]string, 0, 50)
	for _, e := range collect(t, tbl) {
		words = append(words, e.Word)
	}

	assert.Len(t, words, 50)
	assert.False(t, slices.Contains(words, ""))
}

func Test_Table_Returns_ErrCorrupt_When_Chain_Points_Outside_Memory(t *testing.T) {
	t.Parallel()

	mem := freq.NewArena()
	tbl := openTable(t, mem)
	recordAll(t, tbl, "the")

	head := mem.Root() + freq.Ref(freq.Hash([]byte("the")))*16 + 8

	err := mem.Update(func(tx freq.Tx) error {
		return tx.PutUint64(head, 1<<40)
	})
	require.NoError(t, err)

	require.ErrorIs(t, tbl.Record([]byte("the")), freq.ErrCorrupt)

	_, _, err = tbl.Lookup([]byte("the"))
	require.ErrorIs(t, err, freq.ErrCorrupt)

	_, err = tbl.Stats()
	require.ErrorIs(t, err, freq.ErrCorrupt)

	var iterErr error
	for _, err := range tbl.All() {
		iterErr = err
	}

	require.ErrorIs(t, iterErr, freq.ErrCorrupt)
}

func Test_Table_Returns_ErrCorrupt_When_Root_Does_Not_Fit_Memory(t *testing.T) {
	t.Parallel()

	mem := freq.NewArena()

	err := mem.Update(func(tx freq.Tx) error {
		return tx.SetRoot(1 << 40)
	})
	require.NoError(t, err)

	_, err = freq.Open(mem)
	require.ErrorIs(t, err, freq.ErrCorrupt)
}

const (
	crashTablePath   = "table.pool"
	crashTableSize   = 256 << 10
	crashTableInject = 300
)

var crashTableWords = []string{"the", "Cat", "the", "aa", "kxw", "aa", "ozr", "sat"}

func crashTableWorkload(p *pool.Pool, recorded func()) error {
	tbl, err := freq.Open(freq.NewPoolMemory(p))
	if err != nil {
		return err
	}

	for _, w := range crashTableWords {
		if err := tbl.Record([]byte(w)); err != nil {
			return err
		}

		recorded()
	}

	return nil
}

// expectedCounts returns the table contents after the first n recorded words.
func expectedCounts(n int) map[string]int64 {
	out := make(map[string]int64)
	for _, w := range crashTableWords[:n] {
		out[w]++
	}

	return out
}

func Test_Table_Recovers_Pre_Or_Post_Counts_When_Crashed_At_Any_Operation(t *testing.T) {
	t.Parallel()

	for n := 1; n <= crashTableInject; n++ {
		crash, err := fs.NewCrash(t, nil)
		require.NoError(t, err)
		require.NoError(t, pool.Create(crash, crashTablePath, pool.Options{Size: crashTableSize}))

		p, err := pool.Open(crash, crashTablePath, pool.Options{})
		require.NoError(t, err)

		crash.ArmFailpoint(n)

		done := 0

		var injected *fs.CrashPanicError

		func() {
			defer func() {
				r := recover()
				if r == nil {
					return
				}

				var ok bool

				injected, ok = r.(*fs.CrashPanicError)
				if !ok {
					panic(r)
				}
			}()

			require.NoError(t, crashTableWorkload(p, func() { done++ }))
		}()

		if injected == nil {
			require.NoError(t, p.Close())
			require.Equal(t, len(crashTableWords), done)

			return
		}

		crash.Recover()

		recovered, err := pool.Open(crash, crashTablePath, pool.Options{ReadOnly: true})
		require.NoError(t, err, "reopen after crash at op %d (%s %s)", n, injected.Op, injected.Path)

		got := make(map[string]int64)

		if recovered.Root() != 0 {
			tbl := openTable(t, freq.NewPoolMemory(recovered))
			got = countsOf(t, tbl)
		}

		require.NoError(t, recovered.Close())

		pre, post := expectedCounts(done), expectedCounts(min(done+1, len(crashTableWords)))
		if !cmp.Equal(got, pre) && !cmp.Equal(got, post) {
			t.Fatalf("crash at op %d (%s %s) after %d words: counts %v match neither %v nor %v",
				n, injected.Op, injected.Path, done, got, pre, post)
		}
	}

	t.Fatal("workload never completed without an injected crash; raise crashTableInject")
}
