package report_test

import (
	"bytes"
	"database/sql"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/wordfreq/internal/freq"
	"github.com/calvinalkan/wordfreq/internal/report"
	"github.com/calvinalkan/wordfreq/pkg/fs"
)

func sentenceTable(t *testing.T) *freq.Table {
	t.Helper()

	tbl, err := freq.Open(freq.NewSerialArena())
	require.NoError(t, err)

	for _, w := range []string{"the", "Cat", "sat", "on", "the", "Cat"} {
		require.NoError(t, tbl.Record([]byte(w)))
	}

	return tbl
}

func failingEntries(err error) iter.Seq2[freq.Entry, error] {
	return func(yield func(freq.Entry, error) bool) {
		if !yield(freq.Entry{Word: "a", Count: 1}, nil) {
			return
		}

		yield(freq.Entry{}, err)
	}
}

func Test_Write_Renders_Count_Word_Lines_When_Format_Is_Text(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	n, err := report.Write(&buf, sentenceTable(t).All(), report.Options{Format: report.FormatText})
	require.NoError(t, err)

	assert.Equal(t, 4, n)
	// Table order: Cat=2479, the=3644, sat=8582, on=8799.
	assert.Equal(t, "2 Cat\n2 the\n1 sat\n1 on\n", buf.String())
}

func Test_Write_Renders_JSON_Lines_When_Format_Is_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	_, err := report.Write(&buf, sentenceTable(t).All(), report.Options{
		Format: report.FormatJSON,
		Order:  report.OrderWord,
	})
	require.NoError(t, err)

	want := `{"word":"Cat","count":2}
{"word":"on","count":1}
{"word":"sat","count":1}
{"word":"the","count":2}
`
	assert.Equal(t, want, buf.String())
}

func Test_Write_Sorts_By_Count_Then_Word_When_Order_Is_Count(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	n, err := report.Write(&buf, sentenceTable(t).All(), report.Options{Order: report.OrderCount, Limit: 3})
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, "2 Cat\n2 the\n1 on\n", buf.String())
}

func Test_Write_Returns_Error_When_Table_Read_Fails(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	for _, order := range []report.Order{report.OrderTable, report.OrderCount} {
		var buf bytes.Buffer

		_, err := report.Write(&buf, failingEntries(boom), report.Options{Order: order})
		require.ErrorIs(t, err, boom)
	}
}

func Test_Parse_Rejects_Value_When_Unknown(t *testing.T) {
	t.Parallel()

	_, err := report.ParseFormat("xml")
	require.ErrorIs(t, err, report.ErrInvalidOption)

	_, err = report.ParseOrder("random")
	require.ErrorIs(t, err, report.ErrInvalidOption)

	f, err := report.ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, report.FormatText, f)

	o, err := report.ParseOrder("count")
	require.NoError(t, err)
	assert.Equal(t, report.OrderCount, o)
}

func Test_WriteFile_Replaces_File_When_It_Exists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("stale\n"), 0o644))

	n, err := report.WriteFile(path, sentenceTable(t).All(), report.Options{Order: report.OrderWord})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2 Cat\n1 on\n1 sat\n2 the\n", string(got))
}

func Test_WriteFile_Leaves_File_When_Table_Read_Fails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	_, err := report.WriteFile(path, failingEntries(errors.New("boom")), report.Options{})
	require.Error(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(got))
}

func Test_Top_Returns_Most_Frequent_When_Limit_Exceeds_Entries(t *testing.T) {
	t.Parallel()

	top, err := report.Top(sentenceTable(t).All(), 10)
	require.NoError(t, err)

	want := []freq.Entry{
		{Word: "Cat", Count: 2},
		{Word: "the", Count: 2},
		{Word: "on", Count: 1},
		{Word: "sat", Count: 1},
	}
	assert.Empty(t, cmp.Diff(want, top))
}

func Test_WriteStats_Prints_Summary_When_Given_Stats(t *testing.T) {
	t.Parallel()

	st, err := sentenceTable(t).Stats()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.WriteStats(&buf, st))

	want := "distinct: 4\ntotal: 6\nbuckets: 4/10007\nlongest_chain: 1\navg_chain: 1.00\n"
	assert.Equal(t, want, buf.String())
}

func Test_Export_Writes_Words_Table_When_Given_Entries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "words.sqlite")

	n, err := report.Export(t.Context(), fs.NewReal(), path, sentenceTable(t).All())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)

	defer db.Close()

	rows, err := db.QueryContext(t.Context(), "SELECT word, count FROM words ORDER BY word")
	require.NoError(t, err)

	defer rows.Close()

	got := map[string]int64{}

	for rows.Next() {
		var (
			word  string
			count int64
		)

		require.NoError(t, rows.Scan(&word, &count))

		got[word] = count
	}

	require.NoError(t, rows.Err())
	assert.Empty(t, cmp.Diff(map[string]int64{"the": 2, "Cat": 2, "sat": 1, "on": 1}, got))

	var version int
	require.NoError(t, db.QueryRowContext(t.Context(), "PRAGMA user_version").Scan(&version))
	assert.Equal(t, report.ExportVersion, version)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp database left behind")
}

func Test_Export_Keeps_Previous_Database_When_Table_Read_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "words.sqlite")
	require.NoError(t, os.WriteFile(path, []byte("previous"), 0o644))

	_, err := report.Export(t.Context(), fs.NewReal(), path, failingEntries(errors.New("boom")))
	require.Error(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
