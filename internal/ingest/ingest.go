// Package ingest feeds the words of input files into a word table.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/util/gopool"

	"github.com/calvinalkan/wordfreq/internal/words"
	"github.com/calvinalkan/wordfreq/pkg/fs"
)

// Recorder counts one occurrence of a word. [freq.Table] implements it.
type Recorder interface {
	Record(word []byte) error
}

// Options configures [Files].
type Options struct {
	// Jobs caps the number of files read at once. Zero or less means one
	// worker per file.
	Jobs int

	// Serial reads the files one after another on the calling goroutine.
	// Required for recorders that are not safe for concurrent use.
	Serial bool

	// Logger receives per-file progress. Nil discards it.
	Logger *slog.Logger
}

// Result summarizes a finished run.
type Result struct {
	Files    int
	Words    int64
	Duration time.Duration
}

// Files records every word of every file in paths into rec.
//
// The first error wins: the remaining workers stop at their next word and
// Files returns that error, naming the file it came from. Words recorded
// before the failure stay recorded. Cancelling ctx stops ingestion the same
// way.
func Files(ctx context.Context, fsys fs.FS, rec Recorder, paths []string, opts Options) (Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	start := time.Now()

	r := &run{fsys: fsys, rec: rec, log: log}

	if opts.Serial {
		for _, path := range paths {
			if err := r.file(ctx, path); err != nil {
				return r.result(start), err
			}
		}

		return r.result(start), nil
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	jobs := opts.Jobs
	if jobs <= 0 || jobs > len(paths) {
		jobs = len(paths)
	}

	workers := gopool.NewPool("ingest", int32(max(jobs, 1)), gopool.NewConfig())

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)

	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel(err)
		})
	}

	for _, path := range paths {
		wg.Add(1)

		workers.CtxGo(ctx, func() {
			defer wg.Done()

			defer func() {
				if p := recover(); p != nil {
					fail(fmt.Errorf("ingest %s: panic: %v", path, p))
				}
			}()

			if err := r.file(ctx, path); err != nil {
				fail(err)
			}
		})
	}

	wg.Wait()

	if firstErr != nil {
		return r.result(start), firstErr
	}

	return r.result(start), nil
}

type run struct {
	fsys fs.FS
	rec  Recorder
	log  *slog.Logger

	files atomic.Int64
	words atomic.Int64
}

func (r *run) result(start time.Time) Result {
	return Result{
		Files:    int(r.files.Load()),
		Words:    r.words.Load(),
		Duration: time.Since(start),
	}
}

func (r *run) file(ctx context.Context, path string) error {
	if err := context.Cause(ctx); err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}

	f, err := r.fsys.Open(path)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}

	defer func() { _ = f.Close() }()

	var n int64

	err = words.Scan(f, func(w []byte) error {
		if err := context.Cause(ctx); err != nil {
			return err
		}

		if err := r.rec.Record(w); err != nil {
			return err
		}

		n++

		return nil
	})

	r.words.Add(n)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.log.Debug("ingest stopped", "path", path, "words", n)
		}

		return fmt.Errorf("ingest %s: %w", path, err)
	}

	r.files.Add(1)
	r.log.Info("ingested", "path", path, "words", n)

	return nil
}
