package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/superfly/litedelta"
	"github.com/superfly/litedelta/internal"
)

// CreateCommand represents a command to initialize a new primary file.
type CreateCommand struct {
	// Path of the primary file.
	Path string

	// Page size of the new file. Uses the default if zero.
	PageSize uint
}

// NewCreateCommand returns a new instance of CreateCommand.
func NewCreateCommand() *CreateCommand {
	return &CreateCommand{PageSize: litedelta.DefaultPageSize}
}

// ParseFlags parses the command line flags.
func (c *CreateCommand) ParseFlags(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("litedelta-create", flag.ContinueOnError)
	fs.UintVar(&c.PageSize, "page-size", litedelta.DefaultPageSize, "page size in bytes")
	fs.Usage = func() {
		fmt.Println(`
The create command writes a new primary file containing only a header page.
It fails if the file already exists.

Usage:

	litedelta create [arguments] PATH

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	} else if fs.NArg() > 1 {
		return fmt.Errorf("too many arguments")
	}
	c.Path = fs.Arg(0)
	return nil
}

// Run executes the command.
func (c *CreateCommand) Run(ctx context.Context) error {
	if err := litedelta.CreateDB(&internal.SystemOS{}, c.Path, uint32(c.PageSize)); err != nil {
		return err
	}
	log.Printf("database created: path=%s page-size=%d", c.Path, c.PageSize)
	return nil
}
