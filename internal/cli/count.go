package cli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/wordfreq/internal/freq"
	"github.com/calvinalkan/wordfreq/internal/ingest"
	"github.com/calvinalkan/wordfreq/internal/report"
)

// CountCmd returns the count command: an in-memory table.
func CountCmd(a *app) *Command {
	flags := flag.NewFlagSet("count", flag.ContinueOnError)
	printCounts := flags.BoolP("print", "p", false, "Print the counts")
	serial := flags.Bool("serial", false, "Read files one at a time into an unsynchronized table")
	format := flags.String("format", "", "Output format: text or json (default from config)")

	return &Command{
		Flags:   flags,
		Usage:   "count [flags] <file>...",
		Short:   "Count words in memory",
		Long:    "Count the words of the given files in an in-memory table. Files are read in parallel unless --serial is set.",
		MinArgs: 1,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execCount(ctx, a, o, args, *printCounts, *serial, *format)
		},
	}
}

func execCount(ctx context.Context, a *app, o *IO, args []string, printCounts, serial bool, format string) error {
	outFormat, err := a.format(format)
	if err != nil {
		return err
	}

	var mem freq.Memory = freq.NewArena()
	if serial {
		mem = freq.NewSerialArena()
	}

	tbl, err := freq.Open(mem)
	if err != nil {
		return err
	}

	res, err := ingest.Files(ctx, a.fs, tbl, a.inputs(args), ingest.Options{
		Jobs:   a.cfg.Jobs,
		Serial: serial,
		Logger: a.log,
	})
	if err != nil {
		return err
	}

	a.log.Info("count done", "files", res.Files, "words", res.Words, "duration", res.Duration)

	if !printCounts {
		return nil
	}

	_, err = report.Write(o.Out(), tbl.All(), report.Options{Format: outFormat})

	return err
}

// PmemCmd returns the pmem command: counts into a pool.
func PmemCmd(a *app) *Command {
	flags := flag.NewFlagSet("pmem", flag.ContinueOnError)

	return &Command{
		Flags:   flags,
		Usage:   "pmem <pool> <file>...",
		Short:   "Count words into a pool",
		Long:    "Add the words of the given files to the table in a pool. Every count is committed before the next word is read.",
		MinArgs: 2,
		Exec: func(ctx context.Context, _ *IO, args []string) error {
			return execPmem(ctx, a, args[0], args[1:])
		},
	}
}

func execPmem(ctx context.Context, a *app, poolPath string, files []string) (err error) {
	p, err := a.openPool(a.path(poolPath), false)
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, p.Close())
	}()

	tbl, err := freq.Open(freq.NewPoolMemory(p))
	if err != nil {
		return err
	}

	res, err := ingest.Files(ctx, a.fs, tbl, a.inputs(files), ingest.Options{
		Jobs:   a.cfg.Jobs,
		Logger: a.log,
	})

	a.log.Info("pmem done", "files", res.Files, "words", res.Words, "duration", res.Duration, "commits", p.Stats().Commits)

	return err
}

func (a *app) inputs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = a.path(arg)
	}

	return out
}

func (a *app) format(flagValue string) (report.Format, error) {
	if flagValue == "" {
		flagValue = a.cfg.Format
	}

	return report.ParseFormat(flagValue)
}
