package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/superfly/litedelta"
	"golang.org/x/exp/slog"
)

// Build information.
var (
	Version = ""
	Commit  = ""
)

// DefaultURL refers to the admin API of a local "serve" process.
const DefaultURL = "http://localhost:20303"

func main() {
	log.SetFlags(0)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: litedelta.LogLevel})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, os.Args[1:]); err == flag.ErrHelp {
		os.Exit(2)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var cmd string
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return runServe(ctx, args)

	case "begin":
		c := NewBeginCommand()
		if err := c.ParseFlags(ctx, args); err != nil {
			return err
		}
		return c.Run(ctx)

	case "end":
		c := NewEndCommand()
		if err := c.ParseFlags(ctx, args); err != nil {
			return err
		}
		return c.Run(ctx)

	case "status":
		c := NewStatusCommand()
		if err := c.ParseFlags(ctx, args); err != nil {
			return err
		}
		return c.Run(ctx)

	case "backup":
		c := NewBackupCommand()
		if err := c.ParseFlags(ctx, args); err != nil {
			return err
		}
		return c.Run(ctx)

	case "create":
		c := NewCreateCommand()
		if err := c.ParseFlags(ctx, args); err != nil {
			return err
		}
		return c.Run(ctx)

	case "version":
		fmt.Println(VersionString())
		return nil

	default:
		if cmd == "" || cmd == "help" || strings.HasPrefix(cmd, "-") {
			printUsage()
			return flag.ErrHelp
		}
		return fmt.Errorf("litedelta %s: unknown command", cmd)
	}
}

// runServe runs the server until a signal is received.
func runServe(ctx context.Context, args []string) error {
	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	c := NewServeCommand()
	if err := c.ParseFlags(ctx, args); err != nil {
		return err
	}

	if err := c.Run(ctx); err != nil {
		_ = c.Close()
		return err
	}

	sig := <-signalCh
	log.Printf("received %s, shutting down", sig)

	return c.Close()
}

// VersionString returns the version & commit of the build.
func VersionString() string {
	if Version != "" {
		return fmt.Sprintf("litedelta %s, commit=%s", Version, Commit)
	} else if Commit != "" {
		return fmt.Sprintf("litedelta commit=%s", Commit)
	}
	return "litedelta development build"
}

func printUsage() {
	fmt.Println(`
litedelta manages differential backups of page-structured database files.

Usage:

	litedelta <command> [arguments]

The commands are:

	serve        attach configured databases and run the admin API
	begin        begin a backup through the admin API
	end          end a backup through the admin API
	status       print backup status through the admin API
	backup       begin a backup, run a copy command, and end the backup
	create       initialize a new primary file
	version      print the version
`[1:])
}

// splitArgs returns the list of args before and after a "--" arg. If the double
// dash is not specified, then args0 is args and args1 is empty.
func splitArgs(args []string) (args0, args1 []string) {
	for i, v := range args {
		if v == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}
