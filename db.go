package litedelta

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/superfly/litedelta/internal"
	"github.com/superfly/ltx"
)

// DefaultCacheSize is the default number of clean pages retained per database.
const DefaultCacheSize = 1024

// DB represents a single attachment to a primary database file. Pages are
// read and written through a buffer cache; the backup manager decides where
// each page lives on disk.
type DB struct {
	mu     sync.Mutex
	name   string        // name of database
	path   string        // full on-disk path of the primary file
	os     OS            // operating system interface
	lm     LockManager   // cross-process lock session
	mgr    *BackupManager
	cache  *BufferCache
	opened bool

	// Explicit difference file path. If blank, the path stored in the header
	// or "<path>.delta" is used.
	DeltaPath string

	// Mirror of the header page. Optional.
	ShadowPath string

	// At-rest page encoding. Defaults to no encoding.
	Transform Transform

	// Number of clean pages held by the cache.
	CacheSize int

	// Pages merged between partial flushes when a backup ends.
	MergeBatchSize int
}

// NewDB returns a new instance of DB.
func NewDB(name, path string, fsys OS, lm LockManager) *DB {
	return &DB{
		name: name,
		path: path,
		os:   fsys,
		lm:   lm,

		CacheSize:      DefaultCacheSize,
		MergeBatchSize: DefaultMergeBatchSize,
	}
}

// Name of the database.
func (db *DB) Name() string { return db.name }

// Path of the primary file.
func (db *DB) Path() string { return db.path }

// PageSize returns the page size of the database. Only valid after Open().
func (db *DB) PageSize() uint32 { return db.mgr.PageSize() }

// BackupManager returns the underlying backup manager. Only valid after Open().
func (db *DB) BackupManager() *BackupManager { return db.mgr }

// CreateDB initializes a new primary file at path containing only a header page.
func CreateDB(fsys OS, path string, pageSize uint32) (err error) {
	defer func() {
		TraceLog.Printf("[CreateDB(%s)]: pageSize=%d %s", path, pageSize, errorKeyValue(err))
	}()

	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if err := ValidatePageSize(pageSize); err != nil {
		return err
	}

	f, err := fsys.OpenFile("CREATEDB", path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if os.IsExist(err) {
		return ErrDatabaseExists
	} else if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	hdr := &Header{PageSize: pageSize, PageCount: 1, State: BackupStateNormal}
	if err := WriteHeader(f, hdr); err != nil {
		return err
	} else if err := f.Sync(); err != nil {
		return err
	} else if err := f.Close(); err != nil {
		return err
	}
	return internal.Sync(filepath.Dir(path))
}

// Open opens the primary file and loads its backup state.
func (db *DB) Open(ctx context.Context) (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	mgr := NewBackupManager(db.name, db.path, db.os, db.lm, db.Transform)
	mgr.DeltaPath = db.DeltaPath
	mgr.ShadowPath = db.ShadowPath
	mgr.MergeBatchSize = db.MergeBatchSize
	if err := mgr.Open(ctx); err != nil {
		return fmt.Errorf("open backup manager: %w", err)
	}

	cache, err := NewBufferCache(mgr, db.CacheSize)
	if err != nil {
		_ = mgr.Close(ctx)
		return err
	}
	mgr.SetPageCache(cache)

	db.mgr, db.cache, db.opened = mgr, cache, true
	return nil
}

// Close flushes dirty pages and closes the attachment.
func (db *DB) Close(ctx context.Context) (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.opened {
		return nil
	}
	db.opened = false

	if db.mgr.Damaged() == nil {
		if e := db.cache.Flush(ctx, FlushAll); e != nil && err == nil {
			err = e
		}
	}
	if e := db.mgr.Close(ctx); e != nil && err == nil {
		err = e
	}
	return err
}

// ReadPage returns a copy of data page pgno.
func (db *DB) ReadPage(ctx context.Context, pgno uint32) ([]byte, error) {
	if pgno == 0 {
		return nil, fmt.Errorf("page 0 is reserved for the header")
	}

	page, err := db.cache.FetchPage(ctx, pgno, LockModeShared)
	if err != nil {
		return nil, err
	}
	defer db.cache.ReleasePage(page)

	return append([]byte(nil), page.Data...), nil
}

// WritePage replaces the contents of data page pgno. The first PageSCNSize
// bytes of every page are reserved and overwritten when the page is flushed.
func (db *DB) WritePage(ctx context.Context, pgno uint32, data []byte) error {
	if pgno == 0 {
		return fmt.Errorf("page 0 is reserved for the header")
	} else if uint32(len(data)) != db.PageSize() {
		return fmt.Errorf("invalid page size: %d", len(data))
	} else if err := db.mgr.Damaged(); err != nil {
		return err
	}

	page, err := db.cache.FetchPage(ctx, pgno, LockModeExclusive)
	if err != nil {
		return err
	}
	defer db.cache.ReleasePage(page)

	copy(page.Data[PageSCNSize:], data[PageSCNSize:])
	db.cache.MarkMustRewrite(page)
	return nil
}

// Flush writes all dirty pages to disk.
func (db *DB) Flush(ctx context.Context) error {
	return db.cache.Flush(ctx, FlushAll)
}

// BeginBackup starts a backup. See BackupManager.BeginBackup.
func (db *DB) BeginBackup(ctx context.Context) error {
	return db.mgr.BeginBackup(ctx)
}

// EndBackup ends a backup. See BackupManager.EndBackup.
func (db *DB) EndBackup(ctx context.Context, recover bool) error {
	return db.mgr.EndBackup(ctx, recover)
}

// Status returns the backup status of the database.
func (db *DB) Status(ctx context.Context) (*BackupStatus, error) {
	return db.mgr.Status(ctx)
}

// SetDeltaFile stores an explicit difference file path in the header.
func (db *DB) SetDeltaFile(ctx context.Context, path string) error {
	return db.mgr.SetDeltaFile(ctx, path)
}

// ClearDeltaFile removes the explicit difference file path from the header.
func (db *DB) ClearDeltaFile(ctx context.Context) error {
	return db.mgr.ClearDeltaFile(ctx)
}

// FindPageIndex returns the difference page that pgno is redirected to.
func (db *DB) FindPageIndex(ctx context.Context, pgno uint32) (uint32, error) {
	return db.mgr.FindPageIndex(ctx, pgno)
}

// Damaged returns a non-nil error if the database has been marked damaged.
func (db *DB) Damaged() error { return db.mgr.Damaged() }

// Rekey re-encodes every page of the primary file with transform.
func (db *DB) Rekey(ctx context.Context, transform Transform) error {
	return db.mgr.Rekey(ctx, transform)
}

// Checksum returns a checksum of the contents of every data page, ignoring
// the sequence stamp. It is independent of where pages currently live.
func (db *DB) Checksum(ctx context.Context) (uint64, error) {
	pageN, err := db.mgr.PageN(ctx)
	if err != nil {
		return 0, err
	}

	var chksum uint64
	for pgno := uint32(1); pgno < pageN; pgno++ {
		data, err := db.ReadPage(ctx, pgno)
		if err != nil {
			return 0, fmt.Errorf("read page %d: %w", pgno, err)
		}
		SetPageSCN(data, 0)
		chksum = ltx.ChecksumFlag | (chksum ^ ltx.ChecksumPage(pgno, data))
	}
	return chksum, nil
}
