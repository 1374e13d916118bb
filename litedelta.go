package litedelta

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/exp/slog"
)

// DefaultPageSize is the page size used when creating a database without one.
const DefaultPageSize = 4096

// MinPageSize & MaxPageSize bound the configurable page size.
const (
	MinPageSize = 512
	MaxPageSize = 65536
)

// PageSCNSize is the number of bytes at the start of every data page that hold
// the backup sequence number the page was last written under.
const PageSCNSize = 4

// Database errors.
var (
	ErrRawDeviceNoDelta = errors.New("primary file is a raw device and no delta file is configured")
	ErrCryptInProgress  = errors.New("page encryption in progress")
	ErrLockConflict     = errors.New("lock conflict")
	ErrDatabaseDamaged  = errors.New("database damaged")
	ErrInvalidHeader    = errors.New("invalid database header")
	ErrBackupActive     = errors.New("backup active")
	ErrDatabaseNotFound = errors.New("database not found")
	ErrDatabaseExists   = errors.New("database already exists")
	ErrInvalidPageSize  = errors.New("invalid page size")
	ErrClosed           = errors.New("closed")
)

// LogLevel is the level used by the package's structured logger.
var LogLevel = new(slog.LevelVar)

// TraceLog is a log for low-level tracing.
var TraceLog = log.New(io.Discard, "", TraceLogFlags)

// TraceLogFlags are the flags used by TraceLog when tracing is enabled.
const TraceLogFlags = log.LstdFlags | log.Lmicroseconds | log.LUTC

// BackupState represents the persisted backup state of a primary file.
type BackupState uint32

const (
	BackupStateNormal  = BackupState(0)
	BackupStateStalled = BackupState(1)
	BackupStateMerge   = BackupState(2)
	BackupStateUnknown = BackupState(3)
)

// String returns the string representation of the state.
func (s BackupState) String() string {
	switch s {
	case BackupStateNormal:
		return "normal"
	case BackupStateStalled:
		return "stalled"
	case BackupStateMerge:
		return "merge"
	case BackupStateUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("<unknown(%d)>", s)
	}
}

// ParseBackupState returns a state from its string representation.
func ParseBackupState(s string) (BackupState, error) {
	switch s {
	case "normal":
		return BackupStateNormal, nil
	case "stalled":
		return BackupStateStalled, nil
	case "merge":
		return BackupStateMerge, nil
	case "unknown":
		return BackupStateUnknown, nil
	default:
		return 0, fmt.Errorf("invalid backup state: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s BackupState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *BackupState) UnmarshalText(text []byte) (err error) {
	*s, err = ParseBackupState(string(text))
	return err
}

// LockMode represents the mode a lock is requested or held in.
type LockMode int

const (
	LockModeNone = LockMode(iota)
	LockModeShared
	LockModeExclusive
)

// String returns the string representation of the mode.
func (m LockMode) String() string {
	switch m {
	case LockModeNone:
		return "none"
	case LockModeShared:
		return "shared"
	case LockModeExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("<unknown(%d)>", m)
	}
}

// LockManager represents a cross-process lock service. Every attachment to a
// database uses its own LockManager session.
type LockManager interface {
	io.Closer

	// Type returns the name of the lock manager backend.
	Type() string

	// Acquire obtains key in mode. Holding a key in another mode converts it.
	// If wait is false and the lock cannot be granted immediately then
	// ErrLockConflict is returned.
	Acquire(ctx context.Context, key string, mode LockMode, wait bool) error

	// Release gives up any mode held on key. Releasing an unheld key is a no-op.
	Release(ctx context.Context, key string) error

	// ReadValue & WriteValue access a 32-bit value persisted alongside key.
	ReadValue(ctx context.Context, key string) (uint32, error)
	WriteValue(ctx context.Context, key string, value uint32) error

	// Watch registers fn to be called asynchronously whenever another session
	// requests a conflicting mode on key while this session holds it.
	Watch(key string, fn func())
}

// FlushScope selects which dirty pages a cache flush writes.
type FlushScope int

const (
	// FlushAll writes every dirty page.
	FlushAll = FlushScope(iota)

	// FlushUnused writes dirty pages that are not currently fetched.
	FlushUnused
)

// PageCache represents the buffer cache that sits on top of a PageStore.
type PageCache interface {
	// FetchPage returns the page latched in mode. Caller must release it.
	FetchPage(ctx context.Context, pgno uint32, mode LockMode) (*Page, error)

	// ReleasePage releases the latch obtained by FetchPage.
	ReleasePage(p *Page)

	// MarkMustRewrite marks a fetched page as dirty so the next flush writes it.
	MarkMustRewrite(p *Page)

	// Flush writes dirty pages within scope to the underlying store.
	Flush(ctx context.Context, scope FlushScope) error
}

// PageStore represents the storage that cached pages are read from & written to.
type PageStore interface {
	PageSize() uint32
	ReadPage(ctx context.Context, pgno uint32, buf []byte) error
	WritePage(ctx context.Context, pgno uint32, data []byte) error
	Sync(ctx context.Context) error
}

// Transform represents a size-preserving at-rest encoding of page data.
type Transform interface {
	EncodePage(pgno uint32, dst, src []byte) error
	DecodePage(pgno uint32, dst, src []byte) error
}

// NopTransform copies page data unchanged.
type NopTransform struct{}

func (NopTransform) EncodePage(pgno uint32, dst, src []byte) error { copy(dst, src); return nil }
func (NopTransform) DecodePage(pgno uint32, dst, src []byte) error { copy(dst, src); return nil }

// OS represents an interface for os package calls so they can be mocked for testing.
type OS interface {
	MkdirAll(op, path string, perm os.FileMode) error
	Open(op, name string) (*os.File, error)
	OpenFile(op, name string, flag int, perm os.FileMode) (*os.File, error)
	Remove(op, name string) error
	Stat(op, name string) (os.FileInfo, error)
}

// PageSCN returns the backup sequence number stamped on a data page.
func PageSCN(data []byte) uint32 {
	return binary.BigEndian.Uint32(data[:PageSCNSize])
}

// SetPageSCN stamps a data page with a backup sequence number.
func SetPageSCN(data []byte, scn uint32) {
	binary.BigEndian.PutUint32(data[:PageSCNSize], scn)
}

// ValidatePageSize returns an error if sz is not a power of two within bounds.
func ValidatePageSize(sz uint32) error {
	if sz < MinPageSize || sz > MaxPageSize || sz&(sz-1) != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageSize, sz)
	}
	return nil
}

func assert(condition bool, msg string) {
	if !condition {
		panic("assertion failed: " + msg)
	}
}

func errorKeyValue(err error) string {
	if err == nil {
		return ""
	}
	return "err=" + err.Error()
}
