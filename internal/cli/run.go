package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/wordfreq/internal/config"
	"github.com/calvinalkan/wordfreq/pkg/fs"
	"github.com/calvinalkan/wordfreq/pkg/pool"
)

// Run is the main entry point. Returns exit code.
//
// A signal on sigCh cancels the running command; ingestion stops at the
// next word and the error is reported like any other.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := flag.NewFlagSet("freq", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{})

	workDir := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Use specified config `file`")
	poolPath := globals.String("pool", "", "Default pool `path`")
	syncMode := globals.String("sync", "", "Commit durability: full or none")
	jobs := globals.IntP("jobs", "j", 0, "Max files ingested at once (0 = one per file)")
	verbose := globals.CountP("verbose", "v", "Log more (-v info, -vv debug)")
	help := globals.BoolP("help", "h", false, "Show help")

	if len(args) > 0 {
		args = args[1:]
	}

	if err := globals.Parse(args); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals, nil)

		return 1
	}

	rest := globals.Args()

	if *help || len(rest) == 0 {
		printUsage(out, globals, commands(&app{}))
		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDir:    *workDir,
		ConfigPath: *configPath,
		Overrides:  config.Overrides{Pool: *poolPath, Sync: *syncMode, Jobs: *jobs},
		Env:        env,
	})
	if err != nil {
		fprintln(errOut, "error: config:", err)
		return 1
	}

	a := &app{
		cfg: cfg,
		fs:  fs.NewReal(),
		log: newLogger(errOut, *verbose),
		env: env,
	}

	cmds := commands(a)

	idx := slices.IndexFunc(cmds, func(c *Command) bool { return c.Name() == rest[0] })
	if idx < 0 {
		fprintln(errOut, "error: unknown command:", rest[0])
		printUsage(errOut, globals, cmds)

		return 1
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	if sigCh != nil {
		go func() {
			select {
			case sig := <-sigCh:
				a.log.Warn("interrupted", "signal", sig.String())
				cancel(fmt.Errorf("%w: %s", errInterrupted, sig))
			case <-ctx.Done():
			}
		}()
	}

	return cmds[idx].Run(ctx, NewIO(in, out, errOut), rest[1:])
}

var errInterrupted = errors.New("interrupted")

func commands(a *app) []*Command {
	return []*Command{
		CountCmd(a),
		PmemCmd(a),
		CreateCmd(a),
		PrintCmd(a),
		StatsCmd(a),
		ExportCmd(a),
		ShellCmd(a),
		PrintConfigCmd(a),
	}
}

// app is the state shared by all commands.
type app struct {
	cfg config.Config
	fs  fs.FS
	log *slog.Logger
	env map[string]string
}

// path resolves p against the work dir.
func (a *app) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(a.cfg.WorkDir, p)
}

// poolArg returns the pool named by the first argument, or the configured
// pool if there is none.
func (a *app) poolArg(args []string) string {
	if len(args) > 0 {
		return a.path(args[0])
	}

	return a.cfg.Pool
}

func (a *app) openPool(path string, readOnly bool) (*pool.Pool, error) {
	p, err := pool.Open(a.fs, path, pool.Options{
		ReadOnly: readOnly,
		Sync:     a.cfg.SyncMode(),
		Logger:   a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	return p, nil
}

func newLogger(w io.Writer, verbosity int) *slog.Logger {
	level := slog.LevelWarn

	switch {
	case verbosity >= 2:
		level = slog.LevelDebug
	case verbosity == 1:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func printUsage(w io.Writer, globals *flag.FlagSet, cmds []*Command) {
	fprintln(w, `freq - durable word frequency counter

Usage: freq [options] <command> [args]

Options:`)

	var buf strings.Builder
	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})
	_, _ = io.WriteString(w, buf.String())

	if len(cmds) == 0 {
		return
	}

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range cmds {
		fprintln(w, c.HelpLine())
	}
}
