package cli

import (
	"context"
	"strconv"

	flag "github.com/spf13/pflag"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execPrintConfig(a, o)
		},
	}
}

func execPrintConfig(a *app, o *IO) error {
	cfg := a.cfg

	o.Println("work_dir=" + cfg.WorkDir)
	o.Println("pool=" + cfg.Pool)
	o.Println("pool_size=" + strconv.FormatInt(cfg.PoolSize, 10))
	o.Println("sync=" + cfg.Sync)
	o.Println("jobs=" + strconv.Itoa(cfg.Jobs))
	o.Println("format=" + cfg.Format)

	o.Println("")
	o.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		o.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			o.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			o.Println("project_config=" + cfg.Sources.Project)
		}
	}

	return nil
}
