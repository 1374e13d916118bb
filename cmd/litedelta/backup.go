package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/superfly/litedelta"
	"github.com/superfly/litedelta/http"
)

// BackupCommand represents a command that freezes a database, runs an external
// copy command against the primary file, and then merges pending writes back.
type BackupCommand struct {
	Config Config

	// Name of database to back up. Optional if only one database is configured.
	DB string

	// If set, the backup is driven through a running server's admin API
	// instead of attaching to the database locally.
	URL string

	Stdout io.Writer
	Stderr io.Writer
}

// NewBackupCommand returns a new instance of BackupCommand.
func NewBackupCommand() *BackupCommand {
	return &BackupCommand{
		Config: NewConfig(),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// ParseFlags parses the command line flags & config file.
func (c *BackupCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	// Arguments after the double dash override the "exec" config option.
	args0, args1 := splitArgs(args)

	fs := flag.NewFlagSet("litedelta-backup", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	noExpandEnv := fs.Bool("no-expand-env", false, "do not expand env vars in config")
	tracing := fs.Bool("tracing", false, "enable trace logging to stdout")
	fs.StringVar(&c.DB, "db", "", "database name")
	fs.StringVar(&c.URL, "url", "", "admin API URL of a running server")
	fs.Usage = func() {
		fmt.Println(`
The backup command begins a backup, runs a copy command while the primary file
is frozen, and then ends the backup. The backup is always ended, even if the
copy command fails.

The command receives the database name in LITEDELTA_DB and, when attached
locally, the primary file path in LITEDELTA_PATH.

Usage:

	litedelta backup [arguments] [-- CMD [ARG...]]

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args0); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments, specify a '--' to specify an exec command")
	}

	// A config file is only required when attaching locally.
	if c.URL == "" || *configPath != "" {
		if err := ParseConfigPath(ctx, *configPath, !*noExpandEnv, &c.Config); err != nil {
			return err
		}
	}
	if args1 != nil {
		c.Config.Exec = strings.Join(args1, " ")
	}

	if c.Config.Exec == "" {
		return fmt.Errorf("no backup command specified")
	} else if c.URL == "" {
		if err := c.Config.Validate(); err != nil {
			return err
		}
	} else if c.DB == "" {
		return fmt.Errorf("database name required")
	}

	return c.Config.ApplyLogging(*tracing)
}

// Run executes the command.
func (c *BackupCommand) Run(ctx context.Context) (err error) {
	args, err := shellwords.Parse(c.Config.Exec)
	if err != nil {
		return fmt.Errorf("cannot parse exec command: %w", err)
	} else if len(args) == 0 {
		return fmt.Errorf("no backup command specified")
	}

	if c.URL != "" {
		return c.runRemote(ctx, args)
	}
	return c.runLocal(ctx, args)
}

func (c *BackupCommand) runLocal(ctx context.Context, args []string) (err error) {
	store, err := OpenStore(ctx, &c.Config)
	if err != nil {
		return fmt.Errorf("cannot open store: %w", err)
	}
	defer func() {
		if e := CloseStore(context.Background(), store); e != nil && err == nil {
			err = e
		}
	}()

	db, err := c.findDB(store)
	if err != nil {
		return err
	}

	return c.run(ctx, db.Name(), db.Path(), args,
		func(ctx context.Context) error {
			// Do not adopt a backup started by another client.
			if status, err := db.Status(ctx); err != nil {
				return err
			} else if status.State != litedelta.BackupStateNormal {
				return litedelta.ErrBackupActive
			}
			return db.BeginBackup(ctx)
		},
		func(ctx context.Context) error { return db.EndBackup(ctx, false) },
	)
}

func (c *BackupCommand) runRemote(ctx context.Context, args []string) error {
	client := http.NewClient()
	return c.run(ctx, c.DB, "", args,
		func(ctx context.Context) error { _, err := client.BeginBackup(ctx, c.URL, c.DB); return err },
		func(ctx context.Context) error { _, err := client.EndBackup(ctx, c.URL, c.DB, false); return err },
	)
}

// run executes the copy command between begin & end.
func (c *BackupCommand) run(ctx context.Context, name, path string, args []string, begin, end func(context.Context) error) (err error) {
	t := time.Now()
	if err := begin(ctx); err != nil {
		return fmt.Errorf("cannot begin backup: %w", err)
	}
	log.Printf("backup begun: db=%s", name)

	// End the backup on every path; an unended backup keeps redirecting writes.
	defer func() {
		if e := end(context.Background()); e != nil {
			if err == nil {
				err = fmt.Errorf("cannot end backup: %w", e)
			} else {
				log.Printf("cannot end backup: db=%s err=%s", name, e)
			}
			return
		}
		log.Printf("backup ended: db=%s elapsed=%s", name, time.Since(t))
	}()

	log.Printf("starting backup command: %s %v", args[0], args[1:])

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), "LITEDELTA_DB="+name)
	if path != "" {
		cmd.Env = append(cmd.Env, "LITEDELTA_PATH="+path)
	}
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("backup command: %w", err)
	}
	return nil
}

func (c *BackupCommand) findDB(store *litedelta.Store) (*litedelta.DB, error) {
	if c.DB != "" {
		if db := store.DB(c.DB); db != nil {
			return db, nil
		}
		return nil, fmt.Errorf("database not found: %s", c.DB)
	}

	dbs := store.DBs()
	if len(dbs) != 1 {
		return nil, fmt.Errorf("database name required when multiple databases are configured")
	}
	return dbs[0], nil
}
