package cli

import (
	"context"
	"errors"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/wordfreq/internal/freq"
	"github.com/calvinalkan/wordfreq/pkg/pool"
)

// minPoolSize fits the header, the bucket array and one page of entries.
var minPoolSize = int64(pool.HeaderSize + freq.BucketArraySize + os.Getpagesize())

// CreateCmd returns the create command.
func CreateCmd(a *app) *Command {
	flags := flag.NewFlagSet("create", flag.ContinueOnError)
	size := flags.Int64("size", 0, "Pool capacity in bytes (default from config)")

	return &Command{
		Flags: flags,
		Usage: "create [--size N] [pool]",
		Short: "Create an empty pool",
		Long:  "Create a zero-filled pool file holding an empty word table. Refuses to overwrite an existing file.",
		Exec: func(_ context.Context, o *IO, args []string) error {
			return execCreate(a, o, a.poolArg(args), *size)
		},
	}
}

func execCreate(a *app, o *IO, path string, size int64) (err error) {
	if size == 0 {
		size = a.cfg.PoolSize
	}

	err = pool.Create(a.fs, path, pool.Options{
		Size:    size,
		MinSize: minPoolSize,
		Logger:  a.log,
	})
	if err != nil {
		return err
	}

	p, err := a.openPool(path, false)
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, p.Close())
	}()

	if _, err := freq.Open(freq.NewPoolMemory(p)); err != nil {
		return err
	}

	o.Println("created", path)

	return nil
}
