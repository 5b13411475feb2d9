package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/wordfreq/internal/freq"
	"github.com/calvinalkan/wordfreq/internal/report"
	"github.com/calvinalkan/wordfreq/internal/words"
	"github.com/calvinalkan/wordfreq/pkg/pool"
)

const shellPrompt = "freq> "

// ShellCmd returns the interactive shell command.
func ShellCmd(a *app) *Command {
	flags := flag.NewFlagSet("shell", flag.ContinueOnError)
	readOnly := flags.Bool("read-only", false, "Open the pool read-only; add is rejected")

	return &Command{
		Flags: flags,
		Usage: "shell [--read-only] [pool]",
		Short: "Inspect a pool interactively",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return a.withTable(a.poolArg(args), *readOnly, func(p *pool.Pool, tbl *freq.Table) error {
				r := &repl{o: o, pool: p, tbl: tbl, history: a.historyFile()}
				return r.run(ctx)
			})
		},
	}
}

func (a *app) historyFile() string {
	home := a.env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".freq_history")
}

// repl is the interactive command loop.
type repl struct {
	o       *IO
	pool    *pool.Pool
	tbl     *freq.Table
	history string
}

var shellCommands = []string{"get", "add", "top", "stats", "info", "help", "exit", "quit"}

// run reads commands until exit or end of input. On a terminal it uses
// line editing and history; otherwise it reads plain lines.
func (r *repl) run(ctx context.Context) error {
	if f, ok := r.o.In().(*os.File); ok && f == os.Stdin && liner.TerminalSupported() {
		return r.runLiner(ctx)
	}

	sc := bufio.NewScanner(r.o.In())

	for sc.Scan() {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		if r.exec(sc.Text()) {
			return nil
		}
	}

	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	return nil
}

func (r *repl) runLiner(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) []string {
		var out []string

		for _, c := range shellCommands {
			if strings.HasPrefix(c, strings.ToLower(prefix)) {
				out = append(out, c)
			}
		}

		return out
	})

	if f, err := os.Open(r.history); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}

	defer r.saveHistory(line)

	r.o.Println("freq shell on", r.pool.Path())
	r.o.Println("Type 'help' for available commands.")

	for ctx.Err() == nil {
		text, err := line.Prompt(shellPrompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		if strings.TrimSpace(text) != "" {
			line.AppendHistory(text)
		}

		if r.exec(text) {
			return nil
		}
	}

	return context.Cause(ctx)
}

func (r *repl) saveHistory(line *liner.State) {
	if r.history == "" {
		return
	}

	if f, err := os.Create(r.history); err == nil {
		_, _ = line.WriteHistory(f)
		_ = f.Close()
	}
}

// exec runs one command line and reports whether the shell should exit.
// Command errors are printed; they do not end the shell.
func (r *repl) exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var err error

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help", "?":
		r.printHelp()
	case "get":
		err = r.cmdGet(args)
	case "add":
		err = r.cmdAdd(args)
	case "top":
		err = r.cmdTop(args)
	case "stats":
		err = r.cmdStats()
	case "info":
		printPoolStats(r.o, r.pool.Stats())
		r.o.Printf("path: %s\nread_only: %t\ncommits: %d\n", r.pool.Path(), r.pool.ReadOnly(), r.pool.Stats().Commits)
	default:
		err = fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
	}

	if err != nil {
		r.o.Println("error:", err)
	}

	return false
}

func (r *repl) cmdGet(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get WORD")
	}

	n, ok, err := r.tbl.Lookup([]byte(args[0]))
	if err != nil {
		return err
	}

	if !ok {
		r.o.Printf("%s: not found\n", args[0])
		return nil
	}

	r.o.Printf("%d %s\n", n, args[0])

	return nil
}

func (r *repl) cmdAdd(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: add WORD...")
	}

	added := 0

	err := words.Scan(strings.NewReader(strings.Join(args, " ")), func(w []byte) error {
		if err := r.tbl.Record(w); err != nil {
			return err
		}

		n, _, err := r.tbl.Lookup(w)
		if err != nil {
			return err
		}

		added++

		r.o.Printf("%d %s\n", n, w)

		return nil
	})
	if err != nil {
		return err
	}

	if added == 0 {
		return fmt.Errorf("add: no words in %q", strings.Join(args, " "))
	}

	return nil
}

func (r *repl) cmdTop(args []string) error {
	n := 10

	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("top: invalid count %q", args[0])
		}

		n = v
	}

	top, err := report.Top(r.tbl.All(), n)
	if err != nil {
		return err
	}

	for _, e := range top {
		r.o.Printf("%d %s\n", e.Count, e.Word)
	}

	return nil
}

func (r *repl) cmdStats() error {
	st, err := r.tbl.Stats()
	if err != nil {
		return err
	}

	return report.WriteStats(r.o.Out(), st)
}

func (r *repl) printHelp() {
	r.o.Println("Commands:")
	r.o.Println("  get WORD        Show the count of a word")
	r.o.Println("  add WORD...     Record one occurrence of each word")
	r.o.Println("  top [N]         Show the N most frequent words (default 10)")
	r.o.Println("  stats           Show table statistics")
	r.o.Println("  info            Show pool information")
	r.o.Println("  help            Show this help")
	r.o.Println("  exit / quit     Exit")
}
