package litedelta

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

// DBConfig describes a database attached by a Store.
type DBConfig struct {
	Name       string
	Path       string
	DeltaPath  string
	ShadowPath string

	// If true, the primary file is initialized when it does not exist.
	Create   bool
	PageSize uint32
}

// Store represents a collection of databases attached by a single process.
// Every database shares the store's lock manager session.
type Store struct {
	mu  sync.Mutex
	os  OS
	lm  LockManager
	dbs map[string]*DB

	ctx    context.Context
	cancel func()
	g      errgroup.Group

	// Page encoding applied to every database.
	Transform Transform

	// Clean pages retained per database.
	CacheSize int

	// Pages merged between partial flushes.
	MergeBatchSize int

	// If true, backups interrupted during a merge are completed in the
	// background when their database is opened.
	RecoverOnOpen bool
}

// NewStore returns a new instance of Store.
func NewStore(fsys OS, lm LockManager) *Store {
	s := &Store{
		os:  fsys,
		lm:  lm,
		dbs: make(map[string]*DB),

		CacheSize:      DefaultCacheSize,
		MergeBatchSize: DefaultMergeBatchSize,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// LockManager returns the lock manager session shared by all databases.
func (s *Store) LockManager() LockManager { return s.lm }

// OpenDB attaches a database and adds it to the store.
func (s *Store) OpenDB(ctx context.Context, config DBConfig) (_ *DB, err error) {
	defer func() {
		TraceLog.Printf("[OpenDB(%s)]: path=%s %s", config.Name, config.Path, errorKeyValue(err))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if config.Name == "" {
		return nil, fmt.Errorf("database name required")
	} else if _, ok := s.dbs[config.Name]; ok {
		return nil, ErrDatabaseExists
	}

	if config.Create {
		if err := CreateDB(s.os, config.Path, config.PageSize); err != nil && !errors.Is(err, ErrDatabaseExists) {
			return nil, fmt.Errorf("create database: %w", err)
		}
	}

	db := NewDB(config.Name, config.Path, s.os, s.lm)
	db.DeltaPath = config.DeltaPath
	db.ShadowPath = config.ShadowPath
	db.Transform = s.Transform
	db.CacheSize = s.CacheSize
	db.MergeBatchSize = s.MergeBatchSize
	if err := db.Open(ctx); err != nil {
		return nil, err
	}

	var recoverMerge bool
	if s.RecoverOnOpen {
		status, err := db.Status(ctx)
		if err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("backup status: %w", err)
		}
		recoverMerge = status.State == BackupStateMerge
	}

	s.dbs[config.Name] = db
	if recoverMerge {
		s.g.Go(func() error { return s.recoverDB(s.ctx, db) })
	}
	return db, nil
}

// recoverDB completes a merge left behind by a crashed process.
func (s *Store) recoverDB(ctx context.Context, db *DB) error {
	slog.Info("completing interrupted backup", slog.String("db", db.Name()))
	if err := db.EndBackup(ctx, true); err != nil {
		slog.Error("cannot complete interrupted backup", slog.String("db", db.Name()), slog.Any("err", err))
	}
	return nil
}

// CloseDB detaches a database and removes it from the store.
func (s *Store) CloseDB(ctx context.Context, name string) error {
	s.mu.Lock()
	db := s.dbs[name]
	delete(s.dbs, name)
	s.mu.Unlock()

	if db == nil {
		return ErrDatabaseNotFound
	}
	return db.Close(ctx)
}

// DB returns a database by name. Returns nil if the database does not exist.
func (s *Store) DB(name string) *DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dbs[name]
}

// DBs returns a list of databases sorted by name.
func (s *Store) DBs() []*DB {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := make([]*DB, 0, len(s.dbs))
	for _, db := range s.dbs {
		a = append(a, db)
	}
	sort.Slice(a, func(i, j int) bool { return a[i].Name() < a[j].Name() })
	return a
}

// Close waits for background recovery and detaches every database.
func (s *Store) Close(ctx context.Context) (retErr error) {
	if err := s.g.Wait(); err != nil {
		retErr = err
	}
	s.cancel()

	for _, db := range s.DBs() {
		if err := s.CloseDB(ctx, db.Name()); err != nil && retErr == nil {
			retErr = err
		}
	}
	return retErr
}
