package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/wordfreq/internal/freq"
	"github.com/calvinalkan/wordfreq/internal/report"
	"github.com/calvinalkan/wordfreq/pkg/pool"
)

// withTable opens the pool at path and the table inside it, runs fn and
// closes the pool.
func (a *app) withTable(path string, readOnly bool, fn func(p *pool.Pool, tbl *freq.Table) error) (err error) {
	p, err := a.openPool(path, readOnly)
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, p.Close())
	}()

	if p.Root() == 0 && readOnly {
		a.log.Info("pool holds no table, reading it as empty", "path", path)
	}

	tbl, err := freq.Open(freq.NewPoolMemory(p))
	if err != nil {
		return err
	}

	return fn(p, tbl)
}

// PrintCmd returns the print command.
func PrintCmd(a *app) *Command {
	flags := flag.NewFlagSet("print", flag.ContinueOnError)
	format := flags.String("format", "", "Output format: text or json (default from config)")
	output := flags.StringP("output", "o", "", "Write to `file` (replaced atomically) instead of stdout")
	order := flags.String("sort", "table", "Order: table, count or word")
	limit := flags.IntP("limit", "n", 0, "Print at most N entries")

	return &Command{
		Flags: flags,
		Usage: "print [flags] [pool]",
		Short: "Print the counts in a pool",
		Long:  "Print every word and its count. The pool is opened read-only; a pending redo log is applied in memory only.",
		Exec: func(_ context.Context, o *IO, args []string) error {
			outFormat, err := a.format(*format)
			if err != nil {
				return err
			}

			outOrder, err := report.ParseOrder(*order)
			if err != nil {
				return err
			}

			opts := report.Options{Format: outFormat, Order: outOrder, Limit: *limit}

			return a.withTable(a.poolArg(args), true, func(_ *pool.Pool, tbl *freq.Table) error {
				if *output != "" {
					_, err := report.WriteFile(a.path(*output), tbl.All(), opts)
					return err
				}

				_, err := report.Write(o.Out(), tbl.All(), opts)

				return err
			})
		},
	}
}

// StatsCmd returns the stats command.
func StatsCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("stats", flag.ContinueOnError),
		Usage: "stats [pool]",
		Short: "Show table and pool statistics",
		Exec: func(_ context.Context, o *IO, args []string) error {
			return a.withTable(a.poolArg(args), true, func(p *pool.Pool, tbl *freq.Table) error {
				st, err := tbl.Stats()
				if err != nil {
					return err
				}

				if err := report.WriteStats(o.Out(), st); err != nil {
					return err
				}

				printPoolStats(o, p.Stats())

				return nil
			})
		},
	}
}

func printPoolStats(o *IO, st pool.Stats) {
	o.Printf("capacity: %d\n", st.Capacity)
	o.Printf("heap_top: %d\n", st.HeapTop)
	o.Printf("free: %d\n", st.Free)
	o.Printf("replayed: %t\n", st.Replayed)
}

// ExportCmd returns the export command.
func ExportCmd(a *app) *Command {
	flags := flag.NewFlagSet("export", flag.ContinueOnError)
	db := flags.String("db", "", "SQLite database `file` to write (required)")

	return &Command{
		Flags: flags,
		Usage: "export --db <file> [pool]",
		Short: "Export the counts to SQLite",
		Long:  "Write every word and its count into the words table of a new SQLite database, replacing the file if it exists.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if *db == "" {
				return errors.New("--db is required")
			}

			return a.withTable(a.poolArg(args), true, func(_ *pool.Pool, tbl *freq.Table) error {
				n, err := report.Export(ctx, a.fs, a.path(*db), tbl.All())
				if err != nil {
					return fmt.Errorf("export: %w", err)
				}

				o.Printf("exported %d words to %s\n", n, *db)

				return nil
			})
		},
	}
}
