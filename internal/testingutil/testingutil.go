package testingutil

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/superfly/litedelta"
	"github.com/superfly/litedelta/internal"
)

// CreateDB initializes a primary file in a temporary directory and returns its path.
func CreateDB(tb testing.TB, pageSize uint32) string {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "db")
	if err := litedelta.CreateDB(&internal.SystemOS{}, path, pageSize); err != nil {
		tb.Fatal(err)
	}
	return path
}

// OpenDB attaches to the primary file at path with a new session on lt.
// The attachment is closed when the test ends.
func OpenDB(tb testing.TB, lt *litedelta.LockTable, name, path string, fn func(db *litedelta.DB)) *litedelta.DB {
	tb.Helper()

	lm := lt.Session(name)
	db := litedelta.NewDB("db", path, &internal.SystemOS{}, lm)
	if fn != nil {
		fn(db)
	}
	if err := db.Open(context.Background()); err != nil {
		tb.Fatal(err)
	}

	tb.Cleanup(func() {
		if err := db.Close(context.Background()); err != nil {
			tb.Fatal(err)
		}
		_ = lm.Close()
	})
	return db
}

// PageData returns a page filled with b after the sequence stamp.
func PageData(pageSize uint32, b byte) []byte {
	data := bytes.Repeat([]byte{b}, int(pageSize))
	copy(data[:litedelta.PageSCNSize], make([]byte, litedelta.PageSCNSize))
	return data
}

// MustWritePage writes a page filled with b and fails the test on error.
func MustWritePage(tb testing.TB, db *litedelta.DB, pgno uint32, b byte) {
	tb.Helper()
	if err := db.WritePage(context.Background(), pgno, PageData(db.PageSize(), b)); err != nil {
		tb.Fatal(err)
	}
}

// MustReadPageByte reads a page and returns the first byte after the stamp.
func MustReadPageByte(tb testing.TB, db *litedelta.DB, pgno uint32) byte {
	tb.Helper()
	data, err := db.ReadPage(context.Background(), pgno)
	if err != nil {
		tb.Fatal(err)
	}
	return data[litedelta.PageSCNSize]
}
