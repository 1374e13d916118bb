package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/superfly/litedelta/http"
)

// BeginCommand represents a command to begin a backup on a running server.
type BeginCommand struct {
	// Target admin API URL
	URL string

	// Name of database to back up.
	DB string

	Stdout io.Writer
}

// NewBeginCommand returns a new instance of BeginCommand.
func NewBeginCommand() *BeginCommand {
	return &BeginCommand{URL: DefaultURL, Stdout: os.Stdout}
}

// ParseFlags parses the command line flags.
func (c *BeginCommand) ParseFlags(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("litedelta-begin", flag.ContinueOnError)
	fs.StringVar(&c.URL, "url", DefaultURL, "admin API URL")
	fs.StringVar(&c.DB, "db", "", "database name")
	fs.Usage = func() {
		fmt.Println(`
The begin command freezes the primary file of a database so it can be copied.
Writes are redirected to the difference file until the backup is ended.

Usage:

	litedelta begin [arguments]

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments")
	} else if c.DB == "" {
		return fmt.Errorf("database name required")
	}
	return nil
}

// Run executes the command.
func (c *BeginCommand) Run(ctx context.Context) error {
	status, err := http.NewClient().BeginBackup(ctx, c.URL, c.DB)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout, "backup begun: db=%s scn=%d delta=%s\n", status.Name, status.SCN, status.DeltaPath)
	return nil
}

// EndCommand represents a command to end a backup on a running server.
type EndCommand struct {
	// Target admin API URL
	URL string

	// Name of database.
	DB string

	// If true, complete an interrupted merge or clean up a stray difference file.
	Recover bool

	Stdout io.Writer
}

// NewEndCommand returns a new instance of EndCommand.
func NewEndCommand() *EndCommand {
	return &EndCommand{URL: DefaultURL, Stdout: os.Stdout}
}

// ParseFlags parses the command line flags.
func (c *EndCommand) ParseFlags(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("litedelta-end", flag.ContinueOnError)
	fs.StringVar(&c.URL, "url", DefaultURL, "admin API URL")
	fs.StringVar(&c.DB, "db", "", "database name")
	fs.BoolVar(&c.Recover, "recover", false, "complete an interrupted merge")
	fs.Usage = func() {
		fmt.Println(`
The end command merges the difference file back into the primary file and
returns the database to normal operation.

Usage:

	litedelta end [arguments]

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments")
	} else if c.DB == "" {
		return fmt.Errorf("database name required")
	}
	return nil
}

// Run executes the command.
func (c *EndCommand) Run(ctx context.Context) error {
	status, err := http.NewClient().EndBackup(ctx, c.URL, c.DB, c.Recover)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout, "backup ended: db=%s scn=%d\n", status.Name, status.SCN)
	return nil
}

// StatusCommand represents a command to print the backup status of databases.
type StatusCommand struct {
	// Target admin API URL
	URL string

	// Name of database. Prints all databases if blank.
	DB string

	Stdout io.Writer
}

// NewStatusCommand returns a new instance of StatusCommand.
func NewStatusCommand() *StatusCommand {
	return &StatusCommand{URL: DefaultURL, Stdout: os.Stdout}
}

// ParseFlags parses the command line flags.
func (c *StatusCommand) ParseFlags(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("litedelta-status", flag.ContinueOnError)
	fs.StringVar(&c.URL, "url", DefaultURL, "admin API URL")
	fs.StringVar(&c.DB, "db", "", "database name")
	fs.Usage = func() {
		fmt.Println(`
The status command prints the backup state of one or all databases as JSON.

Usage:

	litedelta status [arguments]

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments")
	}
	return nil
}

// Run executes the command.
func (c *StatusCommand) Run(ctx context.Context) (err error) {
	client := http.NewClient()

	var v any
	if c.DB != "" {
		v, err = client.Status(ctx, c.URL, c.DB)
	} else {
		v, err = client.Statuses(ctx, c.URL)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
