// brwctl inspects brw_stats messages, local counters and the store.
//
// Usage:
//
//	brwctl [-config file] <command> [flags] [args]
//
// Without a command and with a terminal on stdin, brwctl starts an
// interactive shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/xtxerr/brwmon/internal/loader"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "", "config file path")
	dsn := flag.String("db", "", "database file or URL (overrides config)")
	flag.Usage = usage
	flag.Parse()

	cfg := loader.DefaultConfig()
	if *cfgPath != "" {
		var err error
		if cfg, err = loader.Load(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "brwctl: %v\n", err)
			os.Exit(1)
		}
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}
	cfg.InitLogging()

	a := newApp(cfg, os.Stdin, os.Stdout)
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			usage()
			os.Exit(2)
		}
		a.shell(ctx)
		return
	}

	if err := a.run(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "brwctl: %v\n", err)
		a.close()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "brwctl %s\n\nUsage: brwctl [-config file] [-db dsn] <command> [args]\n\nCommands:\n", Version)
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.help)
	}
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}
