package litedelta

import (
	"context"
	"sync"
)

// GlobalRWLock is a two-level reader/writer lock. A local RWMutex coordinates
// goroutines within the process and a LockManager key coordinates processes.
// The local lock is always acquired before the cross-process lock.
//
// The lock guards state cached by its owner. Whenever the cross-process lock is
// (re)acquired after the cached state was invalidated, FetchFunc is invoked to
// reload it. When the cross-process lock is given up, InvalidateFunc is invoked
// so the owner discards its cached state.
type GlobalRWLock struct {
	key string
	lm  LockManager

	local RWMutex

	// Serializes cross-process acquisition, release & fetch.
	acquireMu sync.Mutex

	mu       sync.Mutex
	mode     LockMode      // cross-process mode currently held
	holders  int           // local guards counted against the cross-process lock
	blocking bool          // another session requested a conflicting mode
	pending  bool          // blocking request seen while acquiring
	valid    bool          // owner's cached state is current
	released chan struct{} // closed when a blocked lock is given up

	// Reloads the owner's cached state after the cross-process lock is obtained.
	FetchFunc func(ctx context.Context) error

	// Discards the owner's cached state after the cross-process lock is lost.
	InvalidateFunc func()

	// If true, the cross-process lock is kept after the last local holder
	// leaves and is only given up when another session requests it.
	Cached bool
}

// NewGlobalRWLock returns a new lock on key and registers for blocking
// notifications with lm.
func NewGlobalRWLock(key string, lm LockManager) *GlobalRWLock {
	l := &GlobalRWLock{key: key, lm: lm}
	lm.Watch(key, l.handleBlocking)
	return l
}

// Key returns the lock manager key.
func (l *GlobalRWLock) Key() string { return l.key }

// Mode returns the cross-process mode currently held.
func (l *GlobalRWLock) Mode() LockMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// Valid returns true if the owner's cached state is current.
func (l *GlobalRWLock) Valid() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.valid
}

// RLock acquires a local shared lock and a cross-process shared lock.
func (l *GlobalRWLock) RLock(ctx context.Context) (*GlobalRWLockGuard, error) {
	return l.Acquire(ctx, LockModeShared, LockModeShared)
}

// Lock acquires a local exclusive lock and a cross-process exclusive lock.
func (l *GlobalRWLock) Lock(ctx context.Context) (*GlobalRWLockGuard, error) {
	return l.Acquire(ctx, LockModeExclusive, LockModeExclusive)
}

// Acquire obtains the local lock in localMode and then the cross-process lock
// in globalMode. If ctx was derived from a guard on l then a nested guard is
// returned and nothing is acquired.
func (l *GlobalRWLock) Acquire(ctx context.Context, localMode, globalMode LockMode) (*GlobalRWLockGuard, error) {
	if g := l.nested(ctx, localMode, globalMode); g != nil {
		return g, nil
	}

	lg, err := l.local.Acquire(ctx, localMode)
	if err != nil {
		return nil, err
	}

	if globalMode != LockModeNone {
		if err := l.acquireGlobal(ctx, globalMode, true); err != nil {
			if lg != nil {
				lg.Unlock()
			}
			return nil, err
		}
	}
	return &GlobalRWLockGuard{lock: l, local: lg, localMode: localMode, globalMode: globalMode}, nil
}

// TryLock attempts to acquire both levels exclusively without waiting.
// Returns ErrLockConflict if either level is unavailable.
func (l *GlobalRWLock) TryLock(ctx context.Context) (*GlobalRWLockGuard, error) {
	lg := l.local.TryLock()
	if lg == nil {
		return nil, ErrLockConflict
	}
	if err := l.acquireGlobal(ctx, LockModeExclusive, false); err != nil {
		lg.Unlock()
		return nil, err
	}
	return &GlobalRWLockGuard{lock: l, local: lg, localMode: LockModeExclusive, globalMode: LockModeExclusive}, nil
}

func (l *GlobalRWLock) nested(ctx context.Context, localMode, globalMode LockMode) *GlobalRWLockGuard {
	held, ok := ctx.Value(globalLockContextKey{l}).(heldLockModes)
	if !ok {
		return nil
	}
	assert(localMode <= held.local && globalMode <= held.global, "cannot upgrade nested lock on "+l.key)
	return &GlobalRWLockGuard{lock: l, nested: true, localMode: held.local, globalMode: held.global}
}

func (l *GlobalRWLock) acquireGlobal(ctx context.Context, mode LockMode, wait bool) error {
	for {
		l.mu.Lock()

		// Wait for current holders to give up the lock to a blocked session.
		if l.blocking && l.holders > 0 {
			if !wait {
				l.mu.Unlock()
				return ErrLockConflict
			}
			if l.released == nil {
				l.released = make(chan struct{})
			}
			ch := l.released
			l.mu.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
			}
			continue
		}

		// Reuse the cached cross-process lock if it is strong enough.
		if l.mode >= mode && !l.blocking {
			l.holders++
			valid := l.valid
			l.mu.Unlock()

			if !valid {
				l.acquireMu.Lock()
				err := l.fetch(ctx)
				l.acquireMu.Unlock()
				if err != nil {
					l.releaseHolder()
					return err
				}
			}
			return nil
		}
		l.mu.Unlock()

		if ok, err := l.acquireGlobalSlow(ctx, mode, wait); err != nil {
			return err
		} else if ok {
			return nil
		}
	}
}

// acquireGlobalSlow obtains the cross-process lock from the lock manager.
// Returns false if the caller should retry the fast path.
func (l *GlobalRWLock) acquireGlobalSlow(ctx context.Context, mode LockMode, wait bool) (ok bool, err error) {
	l.acquireMu.Lock()
	defer l.acquireMu.Unlock()

	l.mu.Lock()
	if (l.blocking && l.holders > 0) || (l.mode >= mode && !l.blocking) {
		l.mu.Unlock()
		return false, nil
	}
	assert(l.holders == 0, "cannot convert cross-process lock with active holders on "+l.key)

	// Give up any weaker or blocked mode before requesting the new one so two
	// sessions converting shared locks cannot deadlock.
	prev := l.mode
	l.mode, l.valid, l.blocking, l.pending = LockModeNone, false, false, false
	l.wakeReleased()
	l.mu.Unlock()

	if prev != LockModeNone {
		if err := l.lm.Release(ctx, l.key); err != nil {
			return false, err
		}
		l.invalidate()
	}

	if err := l.lm.Acquire(ctx, l.key, mode, wait); err != nil {
		return false, err
	}

	l.mu.Lock()
	l.mode = mode
	l.holders++
	l.blocking, l.pending = l.pending, false
	l.mu.Unlock()

	if err := l.fetch(ctx); err != nil {
		l.mu.Lock()
		l.holders--
		l.mu.Unlock()
		l.releaseGlobalLocked(context.Background())
		return false, err
	}
	return true, nil
}

// fetch reloads the owner's state if it is not valid. Must hold acquireMu.
func (l *GlobalRWLock) fetch(ctx context.Context) error {
	l.mu.Lock()
	valid := l.valid
	l.mu.Unlock()
	if valid {
		return nil
	}

	if l.FetchFunc != nil {
		if err := l.FetchFunc(ctx); err != nil {
			TraceLog.Printf("[FetchLock(%s)]: %s", l.key, errorKeyValue(err))
			return err
		}
	}

	l.mu.Lock()
	l.valid = true
	l.mu.Unlock()
	return nil
}

func (l *GlobalRWLock) invalidate() {
	if l.InvalidateFunc != nil {
		l.InvalidateFunc()
	}
}

// releaseHolder decrements the holder count and gives up the cross-process
// lock if it is blocking another session or is not cached.
func (l *GlobalRWLock) releaseHolder() {
	l.mu.Lock()
	l.holders--
	assert(l.holders >= 0, "negative holder count on "+l.key)
	release := l.holders == 0 && (l.blocking || !l.Cached)
	l.mu.Unlock()

	if release {
		l.releaseGlobal(context.Background())
	}
}

// releaseGlobal gives up the cross-process lock if there are no holders.
func (l *GlobalRWLock) releaseGlobal(ctx context.Context) {
	l.acquireMu.Lock()
	defer l.acquireMu.Unlock()
	l.releaseGlobalLocked(ctx)
}

func (l *GlobalRWLock) releaseGlobalLocked(ctx context.Context) {
	l.mu.Lock()
	if l.holders > 0 || l.mode == LockModeNone {
		l.mu.Unlock()
		return
	}
	l.mode, l.valid, l.blocking = LockModeNone, false, false
	l.mu.Unlock()

	if err := l.lm.Release(ctx, l.key); err != nil {
		TraceLog.Printf("[ReleaseLock(%s)]: %s", l.key, errorKeyValue(err))
	}
	l.invalidate()

	l.mu.Lock()
	l.wakeReleased()
	l.mu.Unlock()
}

func (l *GlobalRWLock) wakeReleased() {
	if l.released != nil {
		close(l.released)
		l.released = nil
	}
}

// handleBlocking is invoked by the lock manager when another session requests
// a conflicting mode. The lock is given up immediately if no local goroutine
// holds it, otherwise the last holder gives it up.
func (l *GlobalRWLock) handleBlocking() {
	l.mu.Lock()
	if l.mode == LockModeNone {
		l.pending = true // may arrive before an in-flight grant is recorded
		l.mu.Unlock()
		return
	}
	l.blocking = true
	holders := l.holders
	l.mu.Unlock()

	TraceLog.Printf("[BlockingLock(%s)]: holders=%d", l.key, holders)

	if holders == 0 {
		l.releaseGlobal(context.Background())
	}
}

// Drop gives up the cross-process lock and invalidates the owner's state. If
// local goroutines still hold the lock, it is given up by the last of them.
func (l *GlobalRWLock) Drop(ctx context.Context) {
	l.acquireMu.Lock()
	defer l.acquireMu.Unlock()

	l.mu.Lock()
	if l.holders > 0 {
		l.blocking = true
		l.mu.Unlock()
		return
	}
	mode := l.mode
	l.valid = false
	l.mu.Unlock()

	if mode == LockModeNone {
		l.invalidate()
		return
	}
	l.releaseGlobalLocked(ctx)
}

// GlobalRWLockGuard is a reference to a held GlobalRWLock.
type GlobalRWLockGuard struct {
	lock       *GlobalRWLock
	local      *RWMutexGuard
	localMode  LockMode
	globalMode LockMode
	nested     bool
	once       sync.Once
}

// Context returns a copy of ctx that lets callers reacquire the lock in the
// same or a weaker mode without blocking on themselves.
func (g *GlobalRWLockGuard) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, globalLockContextKey{g.lock}, heldLockModes{local: g.localMode, global: g.globalMode})
}

// Unlock releases the cross-process lock reference and then the local lock.
// Unlocking a nested guard is a no-op.
func (g *GlobalRWLockGuard) Unlock() {
	if g.nested {
		return
	}
	g.once.Do(func() {
		if g.globalMode != LockModeNone {
			g.lock.releaseHolder()
		}
		if g.local != nil {
			g.local.Unlock()
		}
	})
}

type globalLockContextKey struct{ lock *GlobalRWLock }

type heldLockModes struct {
	local  LockMode
	global LockMode
}
