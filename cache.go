package litedelta

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

var _ PageCache = (*BufferCache)(nil)

// Page is a latched reference to a cached page returned by FetchPage.
type Page struct {
	Pgno uint32
	Data []byte

	frame *pageFrame
	guard *RWMutexGuard
}

// Mode returns the latch mode held on the page.
func (p *Page) Mode() LockMode {
	if p.guard == nil {
		return LockModeNone
	}
	return p.guard.Mode()
}

// pageFrame holds the in-memory copy of a single page.
type pageFrame struct {
	pgno  uint32
	data  []byte
	latch RWMutex
	err   error // load error, set under exclusive latch

	// Protected by BufferCache.mu.
	refN  int
	dirty bool
}

// BufferCache is a write-back page cache over a PageStore. Pages that are
// fetched or dirty are pinned in memory; clean unreferenced pages are kept in
// an LRU of a fixed size.
type BufferCache struct {
	store PageStore

	mu     sync.Mutex
	frames map[uint32]*pageFrame         // referenced or dirty frames
	clean  *lru.Cache[uint32, *pageFrame] // nil if clean pages are not retained
}

// NewBufferCache returns a new cache that retains up to size clean pages.
func NewBufferCache(store PageStore, size int) (*BufferCache, error) {
	c := &BufferCache{
		store:  store,
		frames: make(map[uint32]*pageFrame),
	}

	if size > 0 {
		clean, err := lru.New[uint32, *pageFrame](size)
		if err != nil {
			return nil, err
		}
		c.clean = clean
	}
	return c, nil
}

// DirtyN returns the number of dirty pages.
func (c *BufferCache) DirtyN() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for _, f := range c.frames {
		if f.dirty {
			n++
		}
	}
	return n
}

// FetchPage returns pgno latched in mode, reading it from the store if it is
// not cached.
func (c *BufferCache) FetchPage(ctx context.Context, pgno uint32, mode LockMode) (*Page, error) {
	assert(mode != LockModeNone, "page must be fetched with a latch")

	c.mu.Lock()
	f := c.frames[pgno]
	if f == nil && c.clean != nil {
		if f, _ = c.clean.Get(pgno); f != nil {
			c.clean.Remove(pgno)
			c.frames[pgno] = f
		}
	}

	// Load the page under an exclusive latch taken before it becomes visible.
	if f == nil {
		f = &pageFrame{pgno: pgno, data: make([]byte, c.store.PageSize())}
		guard := f.latch.TryLock()
		f.refN++
		c.frames[pgno] = f
		c.mu.Unlock()

		if err := c.store.ReadPage(ctx, pgno, f.data); err != nil {
			f.err = fmt.Errorf("read page %d: %w", pgno, err)
			c.mu.Lock()
			delete(c.frames, pgno)
			f.refN--
			c.mu.Unlock()
			guard.Unlock()
			return nil, f.err
		}
		if mode == LockModeShared {
			guard.RLock()
		}
		return &Page{Pgno: pgno, Data: f.data, frame: f, guard: guard}, nil
	}
	f.refN++
	c.mu.Unlock()

	guard, err := f.latch.Acquire(ctx, mode)
	if err == nil && f.err != nil {
		guard.Unlock()
		err = f.err
	}
	if err != nil {
		c.mu.Lock()
		f.refN--
		c.unpin(f)
		c.mu.Unlock()
		return nil, err
	}
	return &Page{Pgno: pgno, Data: f.data, frame: f, guard: guard}, nil
}

// ReleasePage releases the latch on p.
func (c *BufferCache) ReleasePage(p *Page) {
	p.guard.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	p.frame.refN--
	c.unpin(p.frame)
}

// MarkMustRewrite marks a page fetched in exclusive mode as dirty.
func (c *BufferCache) MarkMustRewrite(p *Page) {
	assert(p.Mode() == LockModeExclusive, "page must be latched exclusively to mark dirty")

	c.mu.Lock()
	defer c.mu.Unlock()
	p.frame.dirty = true
}

// Flush writes dirty pages to the store in page order. FlushUnused skips
// pages that are currently fetched; FlushAll waits for them and syncs the store.
func (c *BufferCache) Flush(ctx context.Context, scope FlushScope) (err error) {
	c.mu.Lock()
	frames := make([]*pageFrame, 0, len(c.frames))
	for _, f := range c.frames {
		if f.dirty && (scope == FlushAll || f.refN == 0) {
			f.refN++
			frames = append(frames, f)
		}
	}
	c.mu.Unlock()

	sort.Slice(frames, func(i, j int) bool { return frames[i].pgno < frames[j].pgno })

	var n int
	for i, f := range frames {
		if err = c.flushFrame(ctx, f, scope); err != nil {
			c.mu.Lock()
			for _, f := range frames[i+1:] {
				f.refN--
				c.unpin(f)
			}
			c.mu.Unlock()
			break
		}
		n++
	}
	TraceLog.Printf("[Flush]: scope=%d n=%d %s", scope, n, errorKeyValue(err))
	if err != nil {
		return err
	}

	if scope == FlushAll {
		return c.store.Sync(ctx)
	}
	return nil
}

// flushFrame writes a single pinned frame and unpins it.
func (c *BufferCache) flushFrame(ctx context.Context, f *pageFrame, scope FlushScope) (err error) {
	defer func() {
		c.mu.Lock()
		f.refN--
		c.unpin(f)
		c.mu.Unlock()
	}()

	var guard *RWMutexGuard
	if scope == FlushAll {
		if guard, err = f.latch.Lock(ctx); err != nil {
			return err
		}
	} else if guard = f.latch.TryLock(); guard == nil {
		return nil // in use, flushed later
	}
	defer guard.Unlock()

	c.mu.Lock()
	dirty := f.dirty
	f.dirty = false
	c.mu.Unlock()
	if !dirty {
		return nil
	}

	if err := c.store.WritePage(ctx, f.pgno, f.data); err != nil {
		c.mu.Lock()
		f.dirty = true
		c.mu.Unlock()
		return err
	}
	return nil
}

// unpin moves an unreferenced clean frame to the LRU. Must hold mu.
func (c *BufferCache) unpin(f *pageFrame) {
	if f.refN > 0 || f.dirty || c.frames[f.pgno] != f {
		return
	}
	delete(c.frames, f.pgno)
	if c.clean != nil {
		c.clean.Add(f.pgno, f)
	}
}

// Purge drops all clean pages so later fetches read from the store.
func (c *BufferCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clean != nil {
		c.clean.Purge()
	}
}
