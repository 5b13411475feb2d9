// Package report renders the contents of a word table as text, JSON lines
// or a SQLite snapshot.
package report

import (
	"bufio"
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strconv"

	"github.com/natefinch/atomic"
	"github.com/sugawarayuuta/sonnet"
	"github.com/valyala/bytebufferpool"

	"github.com/calvinalkan/wordfreq/internal/freq"
)

// ErrInvalidOption is returned for an unknown format or sort order.
var ErrInvalidOption = errors.New("report: invalid option")

// Format selects the output encoding.
type Format string

const (
	// FormatText writes "count word" lines.
	FormatText Format = "text"
	// FormatJSON writes one {"word":..,"count":..} object per line.
	FormatJSON Format = "json"
)

// ParseFormat parses "text" or "json". Empty means text.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("format %q (want text or json): %w", s, ErrInvalidOption)
	}
}

// Order selects the order entries are written in.
type Order string

const (
	// OrderTable keeps table order: buckets by index, newest first within
	// a bucket.
	OrderTable Order = "table"
	// OrderCount sorts by descending count, then by word.
	OrderCount Order = "count"
	// OrderWord sorts bytewise by word.
	OrderWord Order = "word"
)

// ParseOrder parses "table", "count" or "word". Empty means table.
func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case "", OrderTable:
		return OrderTable, nil
	case OrderCount, OrderWord:
		return Order(s), nil
	default:
		return "", fmt.Errorf("sort %q (want table, count or word): %w", s, ErrInvalidOption)
	}
}

// Options configures [Write].
type Options struct {
	Format Format
	Order  Order

	// Limit caps the number of entries written. Zero means all.
	Limit int
}

type jsonEntry struct {
	Word  string `json:"word"`
	Count int64  `json:"count"`
}

// Write renders entries to w and returns how many it wrote.
//
// In table order entries are streamed; the other orders collect them first.
func Write(w io.Writer, entries iter.Seq2[freq.Entry, error], opts Options) (int, error) {
	if opts.Order != "" && opts.Order != OrderTable {
		sorted, err := Sorted(entries, opts.Order)
		if err != nil {
			return 0, err
		}

		entries = fromSlice(sorted)
	}

	bw := bufio.NewWriter(w)
	n := 0

	for e, err := range entries {
		if err != nil {
			return n, fmt.Errorf("read table: %w", err)
		}

		if opts.Limit > 0 && n >= opts.Limit {
			break
		}

		if err := writeEntry(bw, e, opts.Format); err != nil {
			return n, err
		}

		n++
	}

	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("write: %w", err)
	}

	return n, nil
}

func writeEntry(w *bufio.Writer, e freq.Entry, format Format) error {
	switch format {
	case "", FormatText:
		line := strconv.AppendInt(w.AvailableBuffer(), e.Count, 10)
		line = append(line, ' ')
		line = append(line, e.Word...)
		line = append(line, '\n')

		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	case FormatJSON:
		b, err := sonnet.Marshal(jsonEntry{Word: e.Word, Count: e.Count})
		if err != nil {
			return fmt.Errorf("encode %q: %w", e.Word, err)
		}

		if _, err := w.Write(append(b, '\n')); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	default:
		return fmt.Errorf("format %q: %w", format, ErrInvalidOption)
	}

	return nil
}

// WriteFile renders entries into path, replacing it atomically.
func WriteFile(path string, entries iter.Seq2[freq.Entry, error], opts Options) (int, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	n, err := Write(buf, entries, opts)
	if err != nil {
		return n, err
	}

	if err := atomic.WriteFile(path, bytes.NewReader(buf.B)); err != nil {
		return n, fmt.Errorf("write %s: %w", path, err)
	}

	return n, nil
}

// Sorted collects entries in the given order.
func Sorted(entries iter.Seq2[freq.Entry, error], order Order) ([]freq.Entry, error) {
	var out []freq.Entry

	for e, err := range entries {
		if err != nil {
			return nil, fmt.Errorf("read table: %w", err)
		}

		out = append(out, e)
	}

	switch order {
	case "", OrderTable:
	case OrderCount:
		slices.SortFunc(out, func(a, b freq.Entry) int {
			return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Word, b.Word))
		})
	case OrderWord:
		slices.SortFunc(out, func(a, b freq.Entry) int {
			return cmp.Compare(a.Word, b.Word)
		})
	default:
		return nil, fmt.Errorf("sort %q: %w", order, ErrInvalidOption)
	}

	return out, nil
}

// Top returns the n most frequent entries.
func Top(entries iter.Seq2[freq.Entry, error], n int) ([]freq.Entry, error) {
	sorted, err := Sorted(entries, OrderCount)
	if err != nil {
		return nil, err
	}

	return sorted[:min(n, len(sorted))], nil
}

func fromSlice(entries []freq.Entry) iter.Seq2[freq.Entry, error] {
	return func(yield func(freq.Entry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// WriteStats writes a table summary as "key: value" lines.
func WriteStats(w io.Writer, st freq.Stats) error {
	avg := 0.0
	if st.UsedBuckets > 0 {
		avg = float64(st.Distinct) / float64(st.UsedBuckets)
	}

	_, err := fmt.Fprintf(w,
		"distinct: %d\ntotal: %d\nbuckets: %d/%d\nlongest_chain: %d\navg_chain: %.2f\n",
		st.Distinct, st.Total, st.UsedBuckets, freq.NBuckets, st.LongestChain, avg)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	return nil
}
