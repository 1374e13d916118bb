package litedelta

import (
	"context"
	"fmt"
	"sync"
)

// RWMutex is the in-process reader/writer lock under a GlobalRWLock. Unlike
// sync.RWMutex it returns guards, supports context cancellation while waiting
// and does not give waiting writers preference so a goroutine may take nested
// read locks without deadlocking.
type RWMutex struct {
	mu      sync.Mutex
	sharedN int           // number of readers
	excl    *RWMutexGuard // exclusive lock holder
	notify  chan struct{} // closed on every unlock
}

// State returns whether the mutex has a exclusive lock, one or more shared
// locks, or if the mutex is unlocked.
func (rw *RWMutex) State() LockMode {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.excl != nil {
		return LockModeExclusive
	} else if rw.sharedN > 0 {
		return LockModeShared
	}
	return LockModeNone
}

// Lock obtains an exclusive lock on rw. Returns an error if ctx is done.
func (rw *RWMutex) Lock(ctx context.Context) (*RWMutexGuard, error) {
	return rw.lock(ctx, LockModeExclusive)
}

// RLock obtains a shared lock on rw. Returns an error if ctx is done.
func (rw *RWMutex) RLock(ctx context.Context) (*RWMutexGuard, error) {
	return rw.lock(ctx, LockModeShared)
}

// Acquire obtains a lock in mode. A mode of LockModeNone returns a nil guard.
func (rw *RWMutex) Acquire(ctx context.Context, mode LockMode) (*RWMutexGuard, error) {
	if mode == LockModeNone {
		return nil, nil
	}
	return rw.lock(ctx, mode)
}

func (rw *RWMutex) lock(ctx context.Context, mode LockMode) (*RWMutexGuard, error) {
	for {
		rw.mu.Lock()
		if guard := rw.tryLock(mode); guard != nil {
			rw.mu.Unlock()
			return guard, nil
		}
		if rw.notify == nil {
			rw.notify = make(chan struct{})
		}
		notify := rw.notify
		rw.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

// TryLock tries to lock the mutex for writing and returns a guard if it succeeds.
func (rw *RWMutex) TryLock() *RWMutexGuard {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.tryLock(LockModeExclusive)
}

// TryRLock tries to lock rw for reading and returns a guard if it succeeds.
func (rw *RWMutex) TryRLock() *RWMutexGuard {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.tryLock(LockModeShared)
}

func (rw *RWMutex) tryLock(mode LockMode) *RWMutexGuard {
	switch mode {
	case LockModeShared:
		if rw.excl != nil {
			return nil
		}
		rw.sharedN++
		return &RWMutexGuard{rw: rw, mode: LockModeShared}

	case LockModeExclusive:
		if rw.sharedN != 0 || rw.excl != nil {
			return nil
		}
		g := &RWMutexGuard{rw: rw, mode: LockModeExclusive}
		rw.excl = g
		return g

	default:
		panic(fmt.Sprintf("invalid lock mode: %s", mode))
	}
}

// wake notifies all waiters. Must be called with mu held.
func (rw *RWMutex) wake() {
	if rw.notify != nil {
		close(rw.notify)
		rw.notify = nil
	}
}

// RWMutexGuard is a reference to a held lock.
type RWMutexGuard struct {
	rw   *RWMutex
	mode LockMode
}

// Mode returns the mode the guard currently holds.
func (g *RWMutexGuard) Mode() LockMode {
	g.rw.mu.Lock()
	defer g.rw.mu.Unlock()
	return g.mode
}

// TryLock upgrades the lock from a shared lock to an exclusive lock.
// This is a no-op if the lock is already an exclusive lock.
func (g *RWMutexGuard) TryLock() bool {
	g.rw.mu.Lock()
	defer g.rw.mu.Unlock()

	assert(g.mode != LockModeNone, "attempted exclusive lock of unlocked guard")

	switch g.mode {
	case LockModeShared:
		if g.rw.sharedN > 1 {
			return false // another shared lock is being held
		}
		g.rw.sharedN, g.rw.excl = 0, g
		g.mode = LockModeExclusive
		return true
	case LockModeExclusive:
		return true
	default:
		panic(fmt.Sprintf("invalid guard mode: %s", g.mode))
	}
}

// RLock downgrades the lock from an exclusive lock to a shared lock.
// This is a no-op if the lock is already a shared lock.
func (g *RWMutexGuard) RLock() {
	g.rw.mu.Lock()
	defer g.rw.mu.Unlock()

	assert(g.mode != LockModeNone, "attempted shared lock of unlocked guard")

	if g.mode == LockModeExclusive {
		assert(g.rw.excl == g, "attempted downgrade of non-exclusive guard")
		g.rw.sharedN, g.rw.excl = 1, nil
		g.mode = LockModeShared
		g.rw.wake()
	}
}

// Unlock unlocks the underlying mutex. Guard must be discarded after Unlock().
func (g *RWMutexGuard) Unlock() {
	g.rw.mu.Lock()
	defer g.rw.mu.Unlock()

	switch g.mode {
	case LockModeNone:
		return // double unlocks are no-op
	case LockModeShared:
		assert(g.rw.sharedN > 0, "invalid shared lock state on unlock")
		g.rw.sharedN--
	case LockModeExclusive:
		assert(g.rw.excl == g, "attempted unlock of non-exclusive guard")
		g.rw.excl = nil
	}
	g.mode = LockModeNone
	g.rw.wake()
}
