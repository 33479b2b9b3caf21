// Command guestrace traces a guest's kernel syscalls from outside the
// guest, by way of the hypervisor's alt-p2m facility. It is the public CLI
// surface named in spec.md §6: one positional argument (the guest name),
// terminated by the standard signals for an orderly quit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/altp2m/guestrace/internal/console"
	"github.com/altp2m/guestrace/internal/engine"
	"github.com/altp2m/guestrace/internal/hv"
	"github.com/altp2m/guestrace/internal/logx"
	"github.com/altp2m/guestrace/internal/osadapter"
	"github.com/altp2m/guestrace/internal/vmi"
	"github.com/altp2m/guestrace/version"
)

func main() {
	app := &cli.Command{
		Name:      "guestrace",
		Usage:     "trace a guest OS's syscalls via hypervisor alt-p2m introspection",
		ArgsUsage: "<guest-name>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "symbol",
				Usage: "attach only this syscall symbol (repeatable); default attaches the whole adapter table",
			},
			&cli.BoolFlag{
				Name:  "console",
				Usage: "start an interactive control console alongside the event loop",
			},
			&cli.BoolFlag{
				Name:  "mock",
				Usage: "run against an in-memory mock hypervisor/VMI backend instead of a real one",
			},
			&cli.BoolFlag{
				Name:    "version",
				Aliases: []string{"V"},
				Usage:   "print the version and exit",
				Action: func(ctx context.Context, cmd *cli.Command, v bool) error {
					if v {
						fmt.Println(version.Version())
						os.Exit(0)
					}
					return nil
				},
			},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "guestrace: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one argument, <guest-name>")
	}
	guestName := cmd.Args().First()

	log := logx.New("guestrace")

	ctl, sess, err := resolveBackend(cmd, guestName)
	if err != nil {
		return err
	}

	adapter := osadapter.NewLinux(func(pid uint32, line string) {
		log.Printf("pid=%d %s", pid, line)
	}, sess.ReadStrVA)

	eng, err := engine.New(engine.Config{GuestName: guestName, Adapter: adapter, Log: log}, ctl, sess)
	if err != nil {
		return err
	}

	symbols := cmd.StringSlice("symbol")
	table := adapter.Syscalls()
	if len(symbols) > 0 {
		table = filterSymbols(table, symbols)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	registerSignalHandler(eng, cancel, log)

	if cmd.Bool("console") && console.IsTerminal(os.Stdout) {
		go func() {
			if err := console.Run(eng, log); err != nil {
				log.Printf("console exited: %v", err)
			}
		}()
	}

	n, err := eng.AttachAll(table)
	if err != nil {
		return fmt.Errorf("attach syscall table: %w", err)
	}
	log.Printf("attached %d/%d syscall symbols for guest %q", n, len(table), guestName)

	runErr := eng.Run(runCtx)

	var teardownWarned bool
	if err := eng.Quit(); err != nil {
		log.Printf("teardown warning during quit: %v", err)
		teardownWarned = true
	}
	if err := eng.Free(); err != nil {
		log.Printf("teardown warning during free: %v", err)
		teardownWarned = true
	}

	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	// §7: a TeardownWarning is logged and non-fatal, but the CLI still
	// exits non-zero so a caller notices teardown wasn't fully clean.
	if teardownWarned {
		return fmt.Errorf("teardown completed with warnings (see log)")
	}
	return nil
}

func resolveBackend(cmd *cli.Command, guestName string) (hv.Controller, vmi.Session, error) {
	if cmd.Bool("mock") {
		ctl := hv.NewMockController(guestName)
		sess := vmi.NewMockSession("Linux", 1)
		return ctl, sess, nil
	}
	return newProductionBackend(guestName)
}

func filterSymbols(table []osadapter.SymbolCallback, names []string) []osadapter.SymbolCallback {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make([]osadapter.SymbolCallback, 0, len(names))
	for _, s := range table {
		if want[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// registerSignalHandler models pkg/fpm/master.Master's handleSignals, but
// restricted to the terminating signals spec.md §6 names: hang-up,
// termination request, interrupt, and alarm.
func registerSignalHandler(eng *engine.EngineState, cancel context.CancelFunc, log *logx.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGALRM)

	go func() {
		sig := <-sigCh
		log.Printf("received %v, initiating orderly quit", sig)
		eng.RequestStop()
		cancel()
	}()
}
