package litedelta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/superfly/litedelta/internal"
	"golang.org/x/exp/slog"
)

// DefaultMergeBatchSize is the number of merged pages between partial flushes.
const DefaultMergeBatchSize = 512

// HeaderReadRetryN is the number of attempts to read the primary header before
// falling back to the shadow copy.
const HeaderReadRetryN = 3

// DeltaFileSuffix is appended to the primary path to name the difference file
// when no explicit path is set.
const DeltaFileSuffix = ".delta"

// BackupManager owns the backup state of a single attachment to a primary file.
// While a backup is running, page writes are redirected to a difference file
// and are merged back into the primary file when the backup ends.
//
// Backup state is cached under the state lock and the allocation table is
// cached under the allocation lock. Both locks span processes through the
// LockManager so every attachment observes the same state.
type BackupManager struct {
	name string
	path string
	os   OS
	lm   LockManager

	f        *os.File // primary file
	pageSize uint32
	cache    PageCache

	stateLock *GlobalRWLock
	allocLock *GlobalRWLock
	endLock   *GlobalRWLock

	// Protected by stateLock.
	hdr       Header
	state     BackupState
	delta     *DeltaFile
	transform Transform

	// Protected by allocLock. Replaced under the state write lock.
	alloc *AllocTable

	scn       atomic.Uint32 // last observed sequence number
	crypting  atomic.Bool
	damageErr atomic.Pointer[error]

	closeOnce sync.Once

	// Explicit difference file path. Takes precedence over the header.
	DeltaPath string

	// Path to a mirror of the header page, used if the primary header
	// cannot be read.
	ShadowPath string

	// Number of merged pages between cooperative yields & partial flushes.
	MergeBatchSize int

	// Reports whether an external page encryption pass is running.
	CryptRunning func() bool
}

// NewBackupManager returns a new instance of BackupManager for the primary
// file at path. The transform encodes pages of both the primary & delta file.
func NewBackupManager(name, path string, fsys OS, lm LockManager, transform Transform) *BackupManager {
	if transform == nil {
		transform = NopTransform{}
	}

	m := &BackupManager{
		name:      name,
		path:      path,
		os:        fsys,
		lm:        lm,
		transform: transform,
		state:     BackupStateUnknown,

		MergeBatchSize: DefaultMergeBatchSize,
	}

	m.stateLock = NewGlobalRWLock(name+"/backup-state", lm)
	m.stateLock.FetchFunc = m.actualizeState
	m.stateLock.InvalidateFunc = m.invalidateState
	m.stateLock.Cached = true

	m.allocLock = NewGlobalRWLock(name+"/backup-alloc", lm)
	m.allocLock.FetchFunc = m.actualizeAlloc
	m.allocLock.Cached = true

	m.endLock = NewGlobalRWLock(name+"/backup-end", lm)

	return m
}

// Name returns the database name.
func (m *BackupManager) Name() string { return m.name }

// Path returns the path of the primary file.
func (m *BackupManager) Path() string { return m.path }

// PageSize returns the page size of the primary file.
func (m *BackupManager) PageSize() uint32 { return m.pageSize }

// SCN returns the last observed backup sequence number. It may be stale unless
// the caller holds the state lock.
func (m *BackupManager) SCN() uint32 { return m.scn.Load() }

// SetPageCache sets the cache that is flushed on state transitions.
func (m *BackupManager) SetPageCache(cache PageCache) { m.cache = cache }

// Open opens the primary file and loads the backup state.
func (m *BackupManager) Open(ctx context.Context) (err error) {
	defer func() {
		TraceLog.Printf("[OpenBackupManager(%s)]: path=%s %s", m.name, m.path, errorKeyValue(err))
	}()

	if m.f, err = m.os.OpenFile("OPENPRIMARY", m.path, os.O_RDWR, 0o666); err != nil {
		return err
	}

	hdr, err := m.readHeader(0)
	if err != nil {
		_ = m.f.Close()
		return err
	}
	m.pageSize = hdr.PageSize

	// Load state through the lock so the fetch path is exercised from the start.
	g, err := m.stateLock.RLock(ctx)
	if err != nil {
		_ = m.f.Close()
		return err
	}
	g.Unlock()

	return nil
}

// Close releases cross-process locks and closes files.
func (m *BackupManager) Close(ctx context.Context) (err error) {
	m.closeOnce.Do(func() {
		m.allocLock.Drop(ctx)
		m.stateLock.Drop(ctx)

		if m.delta != nil {
			if e := m.delta.Close(); err == nil {
				err = e
			}
			m.delta = nil
		}
		if m.f != nil {
			if e := m.f.Close(); err == nil {
				err = e
			}
		}
	})
	return err
}

// Damaged returns the error that marked the database as damaged, if any.
func (m *BackupManager) Damaged() error {
	if p := m.damageErr.Load(); p != nil {
		return fmt.Errorf("%w: %s", ErrDatabaseDamaged, *p)
	}
	return nil
}

// bugcheck marks the database as damaged. Every later operation fails.
func (m *BackupManager) bugcheck(err error) error {
	m.damageErr.CompareAndSwap(nil, &err)
	backupDamagedMetricVec.WithLabelValues(m.name).Set(1)
	slog.Error("database damaged", slog.String("db", m.name), slog.Any("err", err))
	return fmt.Errorf("%w: %s", ErrDatabaseDamaged, err)
}

// deltaFilePath returns the difference file path. Must hold the state lock.
func (m *BackupManager) deltaFilePath() string {
	if m.DeltaPath != "" {
		return m.DeltaPath
	} else if m.hdr.DeltaPath != "" {
		return m.hdr.DeltaPath
	}
	return m.path + DeltaFileSuffix
}

// readHeader reads the header page directly from the primary file, bypassing
// the page cache. A header with a sequence number below minSCN is treated as a
// failed read. Falls back to the shadow copy after repeated failures.
func (m *BackupManager) readHeader(minSCN uint32) (hdr *Header, err error) {
	for i := 0; i < HeaderReadRetryN; i++ {
		if hdr, err = ReadHeader(m.f); err == nil && hdr.SCN < minSCN {
			err = fmt.Errorf("stale header: scn=%d published=%d", hdr.SCN, minSCN)
		}
		if err == nil {
			return hdr, nil
		}
		TraceLog.Printf("[ReadHeader(%s)]: attempt=%d %s", m.name, i+1, errorKeyValue(err))
	}

	if m.ShadowPath == "" {
		return nil, err
	}

	f, e := m.os.Open("READSHADOW", m.ShadowPath)
	if e != nil {
		return nil, fmt.Errorf("%w; shadow: %s", err, e)
	}
	defer func() { _ = f.Close() }()

	if hdr, e = ReadHeader(f); e != nil {
		return nil, fmt.Errorf("%w; shadow: %s", err, e)
	} else if hdr.SCN < minSCN {
		return nil, fmt.Errorf("%w; shadow: stale header: scn=%d", err, hdr.SCN)
	}
	slog.Warn("header read from shadow", slog.String("db", m.name), slog.String("path", m.ShadowPath))
	return hdr, nil
}

// writeHeader persists hdr to the primary file & shadow and publishes the
// sequence number through the state lock. Must hold the state write lock.
func (m *BackupManager) writeHeader(ctx context.Context, hdr *Header) (err error) {
	defer func() {
		TraceLog.Printf("[WriteHeader(%s)]: state=%s scn=%d %s", m.name, hdr.State, hdr.SCN, errorKeyValue(err))
	}()

	if err := m.persistHeader(hdr); err != nil {
		return m.restoreHeader(err)
	}

	if err := m.lm.WriteValue(ctx, m.stateLock.Key(), hdr.SCN); err != nil {
		return m.restoreHeader(fmt.Errorf("publish sequence number: %w", err))
	}

	m.hdr, m.state = *hdr, hdr.State
	m.scn.Store(hdr.SCN)
	backupStateMetricVec.WithLabelValues(m.name).Set(float64(hdr.State))
	backupSCNMetricVec.WithLabelValues(m.name).Set(float64(hdr.SCN))
	return nil
}

// persistHeader writes hdr to the primary file & shadow and syncs it.
func (m *BackupManager) persistHeader(hdr *Header) error {
	if err := WriteHeader(m.f, hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	} else if err := m.f.Sync(); err != nil {
		return fmt.Errorf("sync header: %w", err)
	}

	if m.ShadowPath != "" {
		if err := m.writeShadow(hdr); err != nil {
			slog.Warn("cannot write shadow header", slog.String("db", m.name), slog.Any("err", err))
		}
	}
	return nil
}

// restoreHeader puts the last committed header back on disk after a failed
// transition and returns err. The database is marked as damaged if the
// previous header cannot be restored.
func (m *BackupManager) restoreHeader(err error) error {
	prev := m.hdr
	if e := m.persistHeader(&prev); e != nil {
		return m.bugcheck(fmt.Errorf("%s; cannot restore header: %w", err, e))
	}
	TraceLog.Printf("[RestoreHeader(%s)]: state=%s scn=%d", m.name, prev.State, prev.SCN)
	return err
}

func (m *BackupManager) writeShadow(hdr *Header) error {
	f, err := m.os.OpenFile("WRITESHADOW", m.ShadowPath, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := WriteHeader(f, hdr); err != nil {
		return err
	} else if err := f.Sync(); err != nil {
		return err
	}
	return f.Close()
}

// actualizeState reloads the backup state from the header page. It is invoked
// whenever the state lock is obtained after another attachment held it.
func (m *BackupManager) actualizeState(ctx context.Context) (err error) {
	// The state lock value is the sequence number of the last transition made
	// by any attachment so an older header must not be trusted.
	published, err := m.lm.ReadValue(ctx, m.stateLock.Key())
	if err != nil {
		return m.bugcheck(fmt.Errorf("cannot read published sequence number: %w", err))
	}

	hdr, err := m.readHeader(published)
	if err != nil {
		return m.bugcheck(fmt.Errorf("cannot read header: %w", err))
	}

	prevSCN := m.scn.Load()
	TraceLog.Printf("[ActualizeState(%s)]: state=%s scn=%d prev=%d", m.name, hdr.State, hdr.SCN, prevSCN)

	// Cached allocations cannot be trusted if a full cycle passed unobserved.
	if hdr.SCN-prevSCN > 1 || hdr.State == BackupStateNormal {
		m.dropDelta(ctx)
	}

	m.hdr, m.state = *hdr, hdr.State
	m.scn.Store(hdr.SCN)
	backupStateMetricVec.WithLabelValues(m.name).Set(float64(hdr.State))
	backupSCNMetricVec.WithLabelValues(m.name).Set(float64(hdr.SCN))

	if m.state != BackupStateNormal && m.delta == nil {
		d, err := OpenDeltaFile(m.os, m.deltaFilePath(), m.pageSize, m.transform)
		if err != nil {
			return m.bugcheck(fmt.Errorf("cannot open delta file in %s state: %w", m.state, err))
		}
		m.delta, m.alloc = d, NewAllocTable()
	}
	return nil
}

// invalidateState marks the cached state as unknown after the state lock is lost.
func (m *BackupManager) invalidateState() {
	m.state = BackupStateUnknown
}

// dropDelta discards the allocation table and closes the difference file.
// Must hold the state lock with no allocation lock holders.
func (m *BackupManager) dropDelta(ctx context.Context) {
	m.alloc = nil
	m.allocLock.Drop(ctx)
	backupDeltaPagesMetricVec.WithLabelValues(m.name).Set(0)

	if m.delta != nil {
		if err := m.delta.Close(); err != nil {
			TraceLog.Printf("[CloseDeltaFile(%s)]: %s", m.name, errorKeyValue(err))
		}
		m.delta = nil
	}
}

// BeginBackup redirects all further page writes to a new difference file.
// It is a no-op if a backup is already running.
func (m *BackupManager) BeginBackup(ctx context.Context) (err error) {
	defer func() {
		TraceLog.Printf("[BeginBackup(%s)]: %s", m.name, errorKeyValue(err))
	}()

	if err := m.Damaged(); err != nil {
		return err
	}

	g, err := m.stateLock.Lock(ctx)
	if err != nil {
		return err
	}
	defer g.Unlock()
	ctx = g.Context(context.WithoutCancel(ctx))

	if m.DeltaPath == "" && m.hdr.DeltaPath == "" {
		if fi, err := m.os.Stat("BEGINBACKUP", m.path); err != nil {
			return err
		} else if internal.IsDevice(fi) {
			return ErrRawDeviceNoDelta
		}
	}
	if m.crypting.Load() || (m.CryptRunning != nil && m.CryptRunning()) {
		return ErrCryptInProgress
	}

	if m.state != BackupStateNormal {
		TraceLog.Printf("[BeginBackup(%s)]: already in %s state", m.name, m.state)
		return nil
	}

	if m.cache != nil {
		if err := m.cache.Flush(ctx, FlushAll); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}

	pageN, err := m.primaryPageN()
	if err != nil {
		return err
	}

	path := m.deltaFilePath()
	d, err := CreateDeltaFile(m.os, path, m.pageSize, m.transform)
	if err != nil {
		_ = m.os.Remove("BEGINBACKUP", path)
		return fmt.Errorf("create delta file: %w", err)
	}

	hdr := m.hdr
	hdr.State = BackupStateStalled
	hdr.SCN++
	hdr.SessionID = uuid.New()
	hdr.PageCount = pageN
	if err := m.writeHeader(ctx, &hdr); err != nil {
		_ = d.Close()
		// Keep the file if the stalled header could not be rolled back.
		if m.Damaged() == nil {
			_ = m.os.Remove("BEGINBACKUP", path)
		}
		return err
	}

	m.allocLock.Drop(ctx)
	m.delta, m.alloc = d, NewAllocTable()

	slog.Info("backup begun",
		slog.String("db", m.name),
		slog.Uint64("scn", uint64(hdr.SCN)),
		slog.String("session", hdr.SessionID.String()),
		slog.String("delta", path),
	)
	return nil
}

// EndBackup merges the difference file back into the primary file and returns
// to the normal state. It is a no-op if another attachment is already ending
// the backup or if no backup is running. If recover is true, the backup is
// completed from whatever state was left by an interrupted attempt.
func (m *BackupManager) EndBackup(ctx context.Context, recover bool) (err error) {
	defer func() {
		TraceLog.Printf("[EndBackup(%s)]: recover=%v %s", m.name, recover, errorKeyValue(err))
	}()

	if err := m.Damaged(); err != nil {
		return err
	}

	eg, err := m.endLock.TryLock(ctx)
	if errors.Is(err, ErrLockConflict) {
		TraceLog.Printf("[EndBackup(%s)]: already in progress", m.name)
		return nil
	} else if err != nil {
		return err
	}
	defer eg.Unlock()
	ctx = context.WithoutCancel(ctx)

	scn, ok, err := m.beginMerge(ctx, recover)
	if err != nil || !ok {
		return err
	}

	t := time.Now()
	n, err := m.merge(ctx, scn)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	backupMergeSecondsMetricVec.WithLabelValues(m.name).Set(time.Since(t).Seconds())

	if err := m.endMerge(ctx); err != nil {
		return err
	}

	slog.Info("backup ended",
		slog.String("db", m.name),
		slog.Int("merged", n),
		slog.Duration("elapsed", time.Since(t)),
	)
	return nil
}

// beginMerge moves a stalled backup into the merge state. Returns false if
// there is nothing to merge.
func (m *BackupManager) beginMerge(ctx context.Context, recover bool) (scn uint32, ok bool, err error) {
	g, err := m.stateLock.Lock(ctx)
	if err != nil {
		return 0, false, err
	}
	defer g.Unlock()
	ctx = g.Context(ctx)

	switch m.state {
	case BackupStateStalled:
	case BackupStateMerge:
		return m.hdr.SCN, true, nil
	default:
		if recover {
			// A crash after the final transition can leave the file behind.
			if err := m.os.Remove("ENDBACKUP", m.deltaFilePath()); err != nil && !os.IsNotExist(err) {
				return 0, false, err
			}
		}
		return 0, false, nil
	}

	// Grow the primary file to cover every redirected page so merged writes
	// do not race with file growth.
	ag, err := m.allocLock.RLock(ctx)
	if err != nil {
		return 0, false, err
	}
	maxPgno := m.alloc.MaxPgno()
	ag.Unlock()

	if err := m.extendPrimary(maxPgno + 1); err != nil {
		return 0, false, fmt.Errorf("extend primary: %w", err)
	}

	hdr := m.hdr
	hdr.State = BackupStateMerge
	hdr.SCN++
	if err := m.writeHeader(ctx, &hdr); err != nil {
		return 0, false, err
	}
	return hdr.SCN, true, nil
}

// endMerge returns to the normal state and removes the difference file.
func (m *BackupManager) endMerge(ctx context.Context) error {
	g, err := m.stateLock.Lock(ctx)
	if err != nil {
		return err
	}
	defer g.Unlock()
	ctx = g.Context(ctx)

	assert(m.state == BackupStateMerge, "end merge outside of merge state")

	path := m.deltaFilePath()

	hdr := m.hdr
	hdr.State = BackupStateNormal
	hdr.SCN++
	hdr.SessionID = uuid.Nil
	if err := m.writeHeader(ctx, &hdr); err != nil {
		return err
	}

	m.dropDelta(ctx)
	if err := m.os.Remove("ENDBACKUP", path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove delta file: %w", err)
	}
	return nil
}

// SetDeltaFile stores an explicit difference file path in the header.
// Returns ErrBackupActive if a backup is running.
func (m *BackupManager) SetDeltaFile(ctx context.Context, path string) (err error) {
	defer func() {
		TraceLog.Printf("[SetDeltaFile(%s)]: path=%q %s", m.name, path, errorKeyValue(err))
	}()

	if err := m.Damaged(); err != nil {
		return err
	}

	g, err := m.stateLock.Lock(ctx)
	if err != nil {
		return err
	}
	defer g.Unlock()

	if m.state != BackupStateNormal {
		return ErrBackupActive
	}

	hdr := m.hdr
	hdr.DeltaPath = path
	return m.writeHeader(g.Context(ctx), &hdr)
}

// ClearDeltaFile removes the explicit difference file path from the header.
func (m *BackupManager) ClearDeltaFile(ctx context.Context) error {
	return m.SetDeltaFile(ctx, "")
}

// Rekey rewrites every primary page with a new transform. Backups cannot begin
// while the pass runs.
func (m *BackupManager) Rekey(ctx context.Context, transform Transform) (err error) {
	defer func() {
		TraceLog.Printf("[Rekey(%s)]: %s", m.name, errorKeyValue(err))
	}()

	if err := m.Damaged(); err != nil {
		return err
	} else if !m.crypting.CompareAndSwap(false, true) {
		return ErrCryptInProgress
	}
	defer m.crypting.Store(false)

	g, err := m.stateLock.Lock(ctx)
	if err != nil {
		return err
	}
	defer g.Unlock()
	ctx = g.Context(ctx)

	if m.state != BackupStateNormal {
		return ErrBackupActive
	}

	if m.cache != nil {
		if err := m.cache.Flush(ctx, FlushAll); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}

	pageN, err := m.primaryPageN()
	if err != nil {
		return err
	}

	buf := make([]byte, m.pageSize)
	for pgno := uint32(1); pgno < pageN; pgno++ {
		if err := m.readPrimary(pgno, buf); err != nil {
			return err
		}

		raw := make([]byte, m.pageSize)
		if err := transform.EncodePage(pgno, raw, buf); err != nil {
			return err
		} else if _, err := m.f.WriteAt(raw, int64(pgno)*int64(m.pageSize)); err != nil {
			return err
		}
	}
	if err := m.f.Sync(); err != nil {
		return err
	}

	m.transform = transform
	return nil
}

// BackupStatus is a snapshot of the backup state of a database.
type BackupStatus struct {
	Name          string      `json:"name"`
	State         BackupState `json:"state"`
	SCN           uint32      `json:"scn"`
	SessionID     string      `json:"session-id,omitempty"`
	DeltaPath     string      `json:"delta-path,omitempty"`
	PageCount     uint32      `json:"page-count"`
	LastAllocated uint32      `json:"last-allocated"`
	RedirectedN   int         `json:"redirected-n"`
	Damaged       bool        `json:"damaged"`
}

// Status returns a snapshot of the current backup state.
func (m *BackupManager) Status(ctx context.Context) (*BackupStatus, error) {
	if err := m.Damaged(); err != nil {
		return &BackupStatus{Name: m.name, State: BackupStateUnknown, SCN: m.SCN(), Damaged: true}, nil
	}

	g, err := m.stateLock.RLock(ctx)
	if err != nil {
		return nil, err
	}
	defer g.Unlock()
	ctx = g.Context(ctx)

	status := &BackupStatus{
		Name:      m.name,
		State:     m.state,
		SCN:       m.hdr.SCN,
		PageCount: m.hdr.PageCount,
	}
	if m.hdr.SessionID != uuid.Nil {
		status.SessionID = m.hdr.SessionID.String()
	}

	if m.state != BackupStateNormal {
		status.DeltaPath = m.deltaFilePath()

		ag, err := m.allocLock.RLock(ctx)
		if err != nil {
			return nil, err
		}
		defer ag.Unlock()
		status.LastAllocated = m.alloc.LastAllocated()
		status.RedirectedN = m.alloc.Len()
	}
	return status, nil
}

// PageN returns the number of pages addressable in the database, including
// pages that only exist in the difference file.
func (m *BackupManager) PageN(ctx context.Context) (uint32, error) {
	g, err := m.stateLock.RLock(ctx)
	if err != nil {
		return 0, err
	}
	defer g.Unlock()
	ctx = g.Context(ctx)

	n, err := m.primaryPageN()
	if err != nil || m.state == BackupStateNormal {
		return n, err
	}

	ag, err := m.allocLock.RLock(ctx)
	if err != nil {
		return 0, err
	}
	defer ag.Unlock()
	if max := m.alloc.MaxPgno(); max+1 > n {
		n = max + 1
	}
	return n, nil
}

// ReadPage reads data page pgno into buf from the primary or difference file.
func (m *BackupManager) ReadPage(ctx context.Context, pgno uint32, buf []byte) (err error) {
	assert(pgno != 0, "header page cannot be read through the page store")

	if err := m.Damaged(); err != nil {
		return err
	}

	g, err := m.stateLock.RLock(ctx)
	if err != nil {
		return err
	}
	defer g.Unlock()
	ctx = g.Context(ctx)

	switch m.state {
	case BackupStateStalled:
		idx, err := m.getPageIndex(ctx, pgno)
		if err != nil {
			return err
		} else if idx != 0 {
			return m.delta.ReadPage(idx, buf)
		}
		return m.readPrimary(pgno, buf)

	case BackupStateMerge:
		// Pages already rewritten under the merge sequence are current.
		if err := m.readPrimary(pgno, buf); err != nil {
			return err
		} else if PageSCN(buf) == m.hdr.SCN {
			return nil
		}

		idx, err := m.getPageIndex(ctx, pgno)
		if err != nil {
			return err
		} else if idx != 0 {
			return m.delta.ReadPage(idx, buf)
		}
		return nil

	default:
		return m.readPrimary(pgno, buf)
	}
}

// WritePage stamps data with the current sequence number and writes it to the
// primary file or, while stalled, to the difference file.
func (m *BackupManager) WritePage(ctx context.Context, pgno uint32, data []byte) (err error) {
	assert(pgno != 0, "header page cannot be written through the page store")

	if err := m.Damaged(); err != nil {
		return err
	}

	g, err := m.stateLock.RLock(ctx)
	if err != nil {
		return err
	}
	defer g.Unlock()
	ctx = g.Context(ctx)

	SetPageSCN(data, m.hdr.SCN)

	if m.state == BackupStateStalled {
		backupRedirectedWriteCountMetricVec.WithLabelValues(m.name).Inc()
		return m.redirectPage(ctx, pgno, data)
	}
	return m.writePrimary(pgno, data)
}

// Sync flushes the primary & difference files to disk.
func (m *BackupManager) Sync(ctx context.Context) error {
	g, err := m.stateLock.RLock(ctx)
	if err != nil {
		return err
	}
	defer g.Unlock()

	if m.delta != nil {
		if err := m.delta.Sync(); err != nil {
			return err
		}
	}
	return m.f.Sync()
}

func (m *BackupManager) redirectPage(ctx context.Context, pgno uint32, data []byte) error {
	idx, err := m.getPageIndex(ctx, pgno)
	if err != nil {
		return err
	} else if idx != 0 {
		return m.delta.WritePage(idx, data)
	}

	_, err = m.allocateDifferencePage(ctx, pgno, data)
	return err
}

func (m *BackupManager) primaryPageN() (uint32, error) {
	fi, err := m.f.Stat()
	if err != nil {
		return 0, err
	}
	return uint32(fi.Size() / int64(m.pageSize)), nil
}

func (m *BackupManager) extendPrimary(pageN uint32) error {
	n, err := m.primaryPageN()
	if err != nil || n >= pageN {
		return err
	}
	return m.f.Truncate(int64(pageN) * int64(m.pageSize))
}

// readPrimary reads and decodes a primary page. Pages past the end of the file
// or never written read as zeros.
func (m *BackupManager) readPrimary(pgno uint32, buf []byte) error {
	raw := make([]byte, m.pageSize)
	if _, err := internal.ReadFullAt(m.f, raw, int64(pgno)*int64(m.pageSize)); err == io.EOF || err == io.ErrUnexpectedEOF {
		clear(buf)
		return nil
	} else if err != nil {
		return fmt.Errorf("read primary page %d: %w", pgno, err)
	}

	if isZeroPage(raw) {
		clear(buf)
		return nil
	}
	return m.transform.DecodePage(pgno, buf, raw)
}

func (m *BackupManager) writePrimary(pgno uint32, data []byte) error {
	raw := make([]byte, m.pageSize)
	if err := m.transform.EncodePage(pgno, raw, data); err != nil {
		return err
	} else if _, err := m.f.WriteAt(raw, int64(pgno)*int64(m.pageSize)); err != nil {
		return fmt.Errorf("write primary page %d: %w", pgno, err)
	}
	return nil
}

func isZeroPage(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// actualizeAlloc brings the allocation table up to date with the pointer pages
// of the difference file. Invoked when the allocation lock is obtained after
// another attachment held it. Must hold the state lock.
func (m *BackupManager) actualizeAlloc(ctx context.Context) error {
	if m.delta == nil || m.alloc == nil {
		return nil
	}

	// The lock value is the high-water mark of the last allocation anywhere.
	if v, err := m.lm.ReadValue(ctx, m.allocLock.Key()); err != nil {
		return m.bugcheck(fmt.Errorf("cannot read allocation high-water mark: %w", err))
	} else if v != 0 && v == m.alloc.LastAllocated() {
		return nil
	}

	if err := m.alloc.Load(m.delta, true); err != nil {
		return m.bugcheck(fmt.Errorf("cannot load allocation table: %w", err))
	}
	backupDeltaPagesMetricVec.WithLabelValues(m.name).Set(float64(m.alloc.LastAllocated()))
	return nil
}

// findPageIndex returns the difference page for pgno or zero. Must hold at
// least the local allocation lock.
func (m *BackupManager) findPageIndex(pgno uint32) uint32 {
	if m.alloc == nil {
		return 0
	}
	return m.alloc.Find(pgno)
}

// getPageIndex returns the difference page for pgno or zero if it has not been
// redirected. The table is checked under the local lock first and only falls
// back to the cross-process lock on a miss. Must hold the state lock.
func (m *BackupManager) getPageIndex(ctx context.Context, pgno uint32) (uint32, error) {
	g, err := m.allocLock.Acquire(ctx, LockModeShared, LockModeNone)
	if err != nil {
		return 0, err
	}
	idx := m.findPageIndex(pgno)
	trustMiss := m.state == BackupStateMerge && m.allocLock.Valid()
	g.Unlock()
	if idx != 0 || trustMiss {
		return idx, nil
	}

	// Pick up completed pointer pages without a cross-process round trip.
	g, err = m.allocLock.Acquire(ctx, LockModeExclusive, LockModeNone)
	if err != nil {
		return 0, err
	}
	if m.alloc != nil {
		if err := m.alloc.Load(m.delta, false); err != nil {
			g.Unlock()
			return 0, m.bugcheck(fmt.Errorf("cannot load allocation table: %w", err))
		}
	}
	idx = m.findPageIndex(pgno)
	g.Unlock()
	if idx != 0 {
		return idx, nil
	}

	g, err = m.allocLock.Acquire(ctx, LockModeExclusive, LockModeShared)
	if err != nil {
		return 0, err
	}
	defer g.Unlock()
	return m.findPageIndex(pgno), nil
}

// AllocateDifferencePage assigns a difference page to pgno. Returns the
// existing page if pgno is already redirected. Must be in the stalled state.
func (m *BackupManager) AllocateDifferencePage(ctx context.Context, pgno uint32) (uint32, error) {
	g, err := m.stateLock.RLock(ctx)
	if err != nil {
		return 0, err
	}
	defer g.Unlock()

	if m.state != BackupStateStalled {
		return 0, fmt.Errorf("cannot allocate difference page in %s state", m.state)
	}
	return m.allocateDifferencePage(g.Context(ctx), pgno, nil)
}

func (m *BackupManager) allocateDifferencePage(ctx context.Context, pgno uint32, data []byte) (_ uint32, err error) {
	g, err := m.allocLock.Lock(ctx)
	if err != nil {
		return 0, err
	}
	defer g.Unlock()

	// Another allocator may have raced in before the write lock was granted.
	if idx := m.findPageIndex(pgno); idx != 0 {
		if data != nil {
			return idx, m.delta.WritePage(idx, data)
		}
		return idx, nil
	}

	idx, err := m.alloc.Allocate(m.delta, pgno, data)
	TraceLog.Printf("[AllocateDifferencePage(%s)]: pgno=%d idx=%d %s", m.name, pgno, idx, errorKeyValue(err))

	var dupErr *ErrDuplicateAllocation
	if errors.As(err, &dupErr) {
		return 0, m.bugcheck(err)
	} else if err != nil {
		return 0, err
	}

	if err := m.lm.WriteValue(ctx, m.allocLock.Key(), idx); err != nil {
		return 0, fmt.Errorf("publish allocation high-water mark: %w", err)
	}
	backupDeltaPagesMetricVec.WithLabelValues(m.name).Set(float64(idx))
	return idx, nil
}

// FindPageIndex returns the difference page for pgno or zero if it is not
// redirected or no backup is running.
func (m *BackupManager) FindPageIndex(ctx context.Context, pgno uint32) (uint32, error) {
	g, err := m.stateLock.RLock(ctx)
	if err != nil {
		return 0, err
	}
	defer g.Unlock()

	if m.state == BackupStateNormal {
		return 0, nil
	}
	return m.getPageIndex(g.Context(ctx), pgno)
}

// Backup metrics.
var (
	backupStateMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "litedelta_backup_state",
		Help: "Current backup state (0=normal, 1=stalled, 2=merge, 3=unknown).",
	}, []string{"db"})

	backupSCNMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "litedelta_backup_scn",
		Help: "Current backup sequence number.",
	}, []string{"db"})

	backupDeltaPagesMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "litedelta_backup_delta_pages",
		Help: "Highest difference file page allocated.",
	}, []string{"db"})

	backupRedirectedWriteCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litedelta_backup_redirected_write_count",
		Help: "Number of page writes redirected to the difference file.",
	}, []string{"db"})

	backupMergedPageCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litedelta_backup_merged_page_count",
		Help: "Number of pages rewritten to the primary file by merges.",
	}, []string{"db"})

	backupMergeSecondsMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "litedelta_backup_merge_seconds",
		Help: "Duration of the last merge pass.",
	}, []string{"db"})

	backupDamagedMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "litedelta_backup_damaged",
		Help: "Set to one when the database has been marked damaged.",
	}, []string{"db"})
)
