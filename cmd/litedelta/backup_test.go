package main_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/superfly/litedelta"
	main "github.com/superfly/litedelta/cmd/litedelta"
)

func TestBackupCommand(t *testing.T) {
	t.Run("Local", func(t *testing.T) {
		config := newConfig(t, "db")
		configPath := writeConfigFile(t, config)
		dst := filepath.Join(t.TempDir(), "copy")

		c := main.NewBackupCommand()
		c.Stdout, c.Stderr = &bytes.Buffer{}, &bytes.Buffer{}
		if err := c.ParseFlags(context.Background(), []string{"-config", configPath, "--", "sh", "-c", `'cp "$LITEDELTA_PATH" ` + dst + `'`}); err != nil {
			t.Fatal(err)
		} else if err := c.Run(context.Background()); err != nil {
			t.Fatal(err)
		}

		if buf, err := os.ReadFile(dst); err != nil {
			t.Fatal(err)
		} else if got, want := len(buf), 512; got != want {
			t.Fatalf("copy size=%d, want %d", got, want)
		}
		assertNoDeltaFile(t, config.Databases[0].Path)
	})

	t.Run("ConfigExec", func(t *testing.T) {
		config := newConfig(t, "db")
		config.Exec = "true"

		c := main.NewBackupCommand()
		if err := c.ParseFlags(context.Background(), []string{"-config", writeConfigFile(t, config)}); err != nil {
			t.Fatal(err)
		} else if got, want := c.Config.Exec, "true"; got != want {
			t.Fatalf("Exec=%q, want %q", got, want)
		} else if err := c.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	})

	// The backup is still ended when the copy command fails.
	t.Run("CommandFailed", func(t *testing.T) {
		config := newConfig(t, "db")

		c := main.NewBackupCommand()
		c.Stdout, c.Stderr = &bytes.Buffer{}, &bytes.Buffer{}
		if err := c.ParseFlags(context.Background(), []string{"-config", writeConfigFile(t, config), "--", "false"}); err != nil {
			t.Fatal(err)
		} else if err := c.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "backup command") {
			t.Fatalf("unexpected error: %v", err)
		}
		assertNoDeltaFile(t, config.Databases[0].Path)
	})

	t.Run("ErrDBRequired", func(t *testing.T) {
		config := newConfig(t, "a", "b")

		c := main.NewBackupCommand()
		if err := c.ParseFlags(context.Background(), []string{"-config", writeConfigFile(t, config), "--", "true"}); err != nil {
			t.Fatal(err)
		} else if err := c.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "database name required") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrNoCommand", func(t *testing.T) {
		c := main.NewBackupCommand()
		if err := c.ParseFlags(context.Background(), []string{"-config", writeConfigFile(t, newConfig(t, "db"))}); err == nil || err.Error() != "no backup command specified" {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("Remote", func(t *testing.T) {
		server := newRunningServeCommand(t, newConfig(t, "db"))

		c := main.NewBackupCommand()
		c.Stdout, c.Stderr = &bytes.Buffer{}, &bytes.Buffer{}
		if err := c.ParseFlags(context.Background(), []string{"-url", server.HTTPServer.URL(), "-db", "db", "--", "sh", "-c", `'test "$LITEDELTA_DB" = db'`}); err != nil {
			t.Fatal(err)
		} else if err := c.Run(context.Background()); err != nil {
			t.Fatal(err)
		}

		if status, err := server.Store.DB("db").Status(context.Background()); err != nil {
			t.Fatal(err)
		} else if got, want := status.State, litedelta.BackupStateNormal; got != want {
			t.Fatalf("State=%s, want %s", got, want)
		} else if got, want := status.SCN, uint32(3); got != want {
			t.Fatalf("SCN=%d, want %d", got, want)
		}
	})

	t.Run("ErrBackupActive", func(t *testing.T) {
		server := newRunningServeCommand(t, newConfig(t, "db"))
		db := server.Store.DB("db")
		if err := db.BeginBackup(context.Background()); err != nil {
			t.Fatal(err)
		}

		config := newConfig(t)
		config.Databases = server.Config.Databases
		config.Exec = "true"

		// A local attachment does not adopt a backup begun by the server.
		c := main.NewBackupCommand()
		c.Config = config
		if err := c.Run(context.Background()); err == nil {
			t.Fatal("expected error")
		} else if !errors.Is(err, litedelta.ErrBackupActive) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func assertNoDeltaFile(tb testing.TB, path string) {
	tb.Helper()
	if _, err := os.Stat(path + litedelta.DeltaFileSuffix); !os.IsNotExist(err) {
		tb.Fatalf("expected no difference file, got: %v", err)
	}
}
