package ingest_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/wordfreq/internal/freq"
	"github.com/calvinalkan/wordfreq/internal/ingest"
	"github.com/calvinalkan/wordfreq/pkg/fs"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func counts(t *testing.T, tbl *freq.Table) map[string]int64 {
	t.Helper()

	out := make(map[string]int64)

	for e, err := range tbl.All() {
		require.NoError(t, err)

		out[e.Word] = e.Count
	}

	return out
}

func newTable(t *testing.T, mem freq.Memory) *freq.Table {
	t.Helper()

	tbl, err := freq.Open(mem)
	require.NoError(t, err)

	return tbl
}

func Test_Files_Counts_All_Words_When_Two_Workers_Share_A_Word(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := strings.Repeat("x ", 10000)
	a := writeFile(t, dir, "a.txt", content)
	b := writeFile(t, dir, "b.txt", content)

	tbl := newTable(t, freq.NewArena())

	res, err := ingest.Files(t.Context(), fs.NewReal(), tbl, []string{a, b}, ingest.Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Files)
	assert.Equal(t, int64(20000), res.Words)
	assert.Empty(t, cmp.Diff(map[string]int64{"x": 20000}, counts(t, tbl)))
}

func Test_Files_Counts_Sentence_When_Run_Serially(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "in.txt", "the Cat sat on the Cat\n")

	tbl := newTable(t, freq.NewSerialArena())

	res, err := ingest.Files(t.Context(), fs.NewReal(), tbl, []string{path}, ingest.Options{Serial: true})
	require.NoError(t, err)

	assert.Equal(t, int64(6), res.Words)
	assert.Empty(t, cmp.Diff(map[string]int64{"the": 2, "Cat": 2, "sat": 1, "on": 1}, counts(t, tbl)))
}

func Test_Files_Counts_Every_File_When_Jobs_Is_Below_File_Count(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	var paths []string
	for i := range 7 {
		paths = append(paths, writeFile(t, dir, string(rune('a'+i))+".txt", "one two two"))
	}

	tbl := newTable(t, freq.NewArena())

	res, err := ingest.Files(t.Context(), fs.NewReal(), tbl, paths, ingest.Options{Jobs: 2})
	require.NoError(t, err)

	assert.Equal(t, 7, res.Files)
	assert.Empty(t, cmp.Diff(map[string]int64{"one": 7, "two": 14}, counts(t, tbl)))
}

func Test_Files_Names_The_File_When_It_Cannot_Be_Opened(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := writeFile(t, dir, "good.txt", "hello")
	missing := filepath.Join(dir, "missing.txt")

	tbl := newTable(t, freq.NewArena())

	_, err := ingest.Files(t.Context(), fs.NewReal(), tbl, []string{good, missing}, ingest.Options{})
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "missing.txt")
}

type failingRecorder struct {
	mu    sync.Mutex
	calls int
	after int
	err   error
}

func (r *failingRecorder) Record([]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if r.calls > r.after {
		return r.err
	}

	return nil
}

func Test_Files_Returns_Recorder_Error_When_Recording_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "in.txt", "a b c d e")

	full := errors.New("full")
	rec := &failingRecorder{after: 2, err: full}

	res, err := ingest.Files(t.Context(), fs.NewReal(), rec, []string{path}, ingest.Options{})
	require.ErrorIs(t, err, full)
	assert.Contains(t, err.Error(), "in.txt")
	assert.Equal(t, int64(2), res.Words)
	assert.Equal(t, 3, rec.calls)
}

type panickingRecorder struct{}

func (panickingRecorder) Record([]byte) error { panic("boom") }

func Test_Files_Returns_Error_When_Recorder_Panics(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "in.txt", "a")

	_, err := ingest.Files(t.Context(), fs.NewReal(), panickingRecorder{}, []string{path}, ingest.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: boom")
}

func Test_Files_Stops_When_Context_Is_Cancelled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "in.txt", "a b c")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	tbl := newTable(t, freq.NewArena())

	for _, serial := range []bool{false, true} {
		res, err := ingest.Files(ctx, fs.NewReal(), tbl, []string{path}, ingest.Options{Serial: serial})
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, res.Words)
	}

	assert.Empty(t, counts(t, tbl))
}

func Test_Files_Does_Nothing_When_No_Paths_Given(t *testing.T) {
	t.Parallel()

	tbl := newTable(t, freq.NewArena())

	res, err := ingest.Files(t.Context(), fs.NewReal(), tbl, nil, ingest.Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Files)
}
