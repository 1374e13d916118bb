package litedelta

import (
	"context"
	"fmt"
	"sync"
)

var _ LockManager = (*LockTableSession)(nil)

// LockTable is an in-memory lock manager shared by every attachment within a
// single OS process. Each attachment obtains its own session via Session() so
// that several attachments behave as independent lock owners.
type LockTable struct {
	mu      sync.Mutex
	locks   map[string]map[*LockTableSession]LockMode
	values  map[string]uint32
	watches map[string]map[*LockTableSession]func()
	notify  chan struct{} // closed on every release
}

// NewLockTable returns a new instance of LockTable.
func NewLockTable() *LockTable {
	return &LockTable{
		locks:   make(map[string]map[*LockTableSession]LockMode),
		values:  make(map[string]uint32),
		watches: make(map[string]map[*LockTableSession]func()),
		notify:  make(chan struct{}),
	}
}

// Session returns a new lock owner on the table.
func (t *LockTable) Session(name string) *LockTableSession {
	return &LockTableSession{table: t, name: name}
}

// Mode returns the mode s holds on key.
func (t *LockTable) Mode(s *LockTableSession, key string) LockMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locks[key][s]
}

// conflicts returns sessions other than s whose held mode is incompatible with mode.
func (t *LockTable) conflicts(s *LockTableSession, key string, mode LockMode) []*LockTableSession {
	var a []*LockTableSession
	for other, held := range t.locks[key] {
		if other == s {
			continue
		}
		if mode == LockModeExclusive || held == LockModeExclusive {
			a = append(a, other)
		}
	}
	return a
}

func (t *LockTable) wake() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// LockTableSession is a single lock owner on a LockTable.
type LockTableSession struct {
	table  *LockTable
	name   string
	closed bool
}

// Name returns the name the session was created with.
func (s *LockTableSession) Name() string { return s.name }

// Type returns "local".
func (s *LockTableSession) Type() string { return "local" }

// Close releases every lock held by the session and removes its watches.
func (s *LockTableSession) Close() error {
	t := s.table
	t.mu.Lock()
	defer t.mu.Unlock()

	s.closed = true
	for key, holders := range t.locks {
		delete(holders, s)
		if len(holders) == 0 {
			delete(t.locks, key)
		}
	}
	for _, m := range t.watches {
		delete(m, s)
	}
	t.wake()
	return nil
}

// Acquire obtains key in mode, converting any mode already held by the session.
func (s *LockTableSession) Acquire(ctx context.Context, key string, mode LockMode, wait bool) (err error) {
	assert(mode != LockModeNone, "cannot acquire lock in none mode")

	t := s.table
	for {
		t.mu.Lock()
		if s.closed {
			t.mu.Unlock()
			return ErrClosed
		}

		others := t.conflicts(s, key, mode)
		if len(others) == 0 {
			if t.locks[key] == nil {
				t.locks[key] = make(map[*LockTableSession]LockMode)
			}
			t.locks[key][s] = mode
			t.wake() // waiters re-notify the new holder
			t.mu.Unlock()
			TraceLog.Printf("[AcquireLock(%s)]: session=%s mode=%s", key, s.name, mode)
			return nil
		} else if !wait {
			t.mu.Unlock()
			return ErrLockConflict
		}

		// Holders may have reacquired since the last pass so notify them again.
		for _, other := range others {
			if fn := t.watches[key][other]; fn != nil {
				go fn()
			}
		}
		notify := t.notify
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

// Release gives up the session's lock on key.
func (s *LockTableSession) Release(ctx context.Context, key string) error {
	t := s.table
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.locks[key][s]; !ok {
		return nil
	}
	delete(t.locks[key], s)
	if len(t.locks[key]) == 0 {
		delete(t.locks, key)
	}
	t.wake()

	TraceLog.Printf("[ReleaseLock(%s)]: session=%s", key, s.name)
	return nil
}

// ReadValue returns the value persisted on key.
func (s *LockTableSession) ReadValue(ctx context.Context, key string) (uint32, error) {
	t := s.table
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.values[key], nil
}

// WriteValue persists a value on key. The session must hold key exclusively.
func (s *LockTableSession) WriteValue(ctx context.Context, key string, value uint32) error {
	t := s.table
	t.mu.Lock()
	defer t.mu.Unlock()

	if mode := t.locks[key][s]; mode != LockModeExclusive {
		return fmt.Errorf("cannot write lock value on %q: held in %s mode", key, mode)
	}
	t.values[key] = value
	return nil
}

// Watch registers fn to be called when another session conflicts with s on key.
func (s *LockTableSession) Watch(key string, fn func()) {
	t := s.table
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.watches[key] == nil {
		t.watches[key] = make(map[*LockTableSession]func())
	}
	t.watches[key][s] = fn
}
