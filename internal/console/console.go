// Package console implements the optional interactive control shell
// described in SPEC_FULL.md's domain-stack section: a readline prompt
// offering "stats", "list", "detach <symbol>", "help", and "quit"/"exit"
// against a running engine, gated on
// stdout being a terminal. It is grounded on the interactive-shell branch
// of the teacher's cmd/hey/main.go and exercises the teacher's declared
// but previously unused chzyer/readline dependency.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"

	"github.com/altp2m/guestrace/internal/logx"
)

// Stats is the narrow slice of EngineState the console reports on and
// controls.
type Stats interface {
	CurrMemSize() uint64
	LivePageRecords() int
	LiveCallsInFlight() int
	ListSymbols() []string
	Detach(symbol string) (bool, error)
	RequestStop()
}

// IsTerminal reports whether fd's stream is attached to a terminal; the
// console only starts when this is true for stdout.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Run starts the interactive console and blocks until the user quits or
// in reaches EOF. It is meant to run in its own goroutine alongside
// EngineState.Run.
func Run(eng Stats, log *logx.Logger) error {
	rl, err := readline.New("guestrace> ")
	if err != nil {
		return fmt.Errorf("start console: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch strings.TrimSpace(line) {
		case "":
			continue
		case "stats":
			fmt.Fprintf(rl.Stdout(), "reservation=%s pages=%d calls_in_flight=%d\n",
				logx.Bytes(eng.CurrMemSize()), eng.LivePageRecords(), eng.LiveCallsInFlight())
		case "list":
			for _, name := range eng.ListSymbols() {
				fmt.Fprintln(rl.Stdout(), name)
			}
		case "help":
			fmt.Fprintln(rl.Stdout(), "commands: stats, list, detach <symbol>, quit")
		case "quit", "exit":
			eng.RequestStop()
			return nil
		default:
			if symbol, ok := strings.CutPrefix(strings.TrimSpace(line), "detach "); ok {
				ok, err := eng.Detach(symbol)
				switch {
				case err != nil:
					fmt.Fprintf(rl.Stdout(), "detach %q: %v\n", symbol, err)
				case !ok:
					fmt.Fprintf(rl.Stdout(), "detach %q: not attached\n", symbol)
				default:
					fmt.Fprintf(rl.Stdout(), "detached %q\n", symbol)
				}
				continue
			}
			fmt.Fprintf(rl.Stdout(), "unknown command %q (try: help)\n", line)
		}
	}
}
