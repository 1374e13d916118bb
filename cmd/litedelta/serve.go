package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/superfly/litedelta"
	"github.com/superfly/litedelta/http"
)

// ServeCommand represents a command to attach databases and run the admin API.
type ServeCommand struct {
	Config Config

	Store      *litedelta.Store
	HTTPServer *http.Server
}

// NewServeCommand returns a new instance of ServeCommand.
func NewServeCommand() *ServeCommand {
	return &ServeCommand{
		Config: NewConfig(),
	}
}

// ParseFlags parses the command line flags & config file.
func (c *ServeCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("litedelta-serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	noExpandEnv := fs.Bool("no-expand-env", false, "do not expand env vars in config")
	tracing := fs.Bool("tracing", false, "enable trace logging to stdout")
	fs.Usage = func() {
		fmt.Println(`
The serve command attaches every database in the config file and runs the admin
API used to begin & end backups.

All options are specified in the litedelta.yml config file which is searched for
in the present working directory, the current user's home directory, and then
finally at /etc/litedelta.yml.

Usage:

	litedelta serve [arguments]

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

	if err := ParseConfigPath(ctx, *configPath, !*noExpandEnv, &c.Config); err != nil {
		return err
	} else if err := c.Config.Validate(); err != nil {
		return err
	}
	return c.Config.ApplyLogging(*tracing)
}

func (c *ServeCommand) Close() (err error) {
	if c.HTTPServer != nil {
		if e := c.HTTPServer.Close(); err == nil {
			err = e
		}
	}

	if c.Store != nil {
		if e := CloseStore(context.Background(), c.Store); err == nil {
			err = e
		}
	}

	return err
}

func (c *ServeCommand) Run(ctx context.Context) (err error) {
	log.Println(VersionString())

	if c.Store, err = OpenStore(ctx, &c.Config); err != nil {
		return fmt.Errorf("cannot open store: %w", err)
	}

	c.HTTPServer = http.NewServer(c.Store, c.Config.HTTP.Addr)
	if err := c.HTTPServer.Listen(); err != nil {
		return fmt.Errorf("cannot open http server: %w", err)
	}
	c.HTTPServer.Serve()
	log.Printf("http server listening on: %s", c.HTTPServer.URL())

	return nil
}
