package litedelta

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/exp/slog"
)

// merge replays redirected pages into the primary file. Every redirected page
// is fetched through the cache and marked for rewrite unless it already
// carries the merge sequence number, so running the pass again after a crash
// only rewrites pages that were not yet persisted.
//
// The state read lock is held so other attachments may keep reading and
// writing while the pass runs.
func (m *BackupManager) merge(ctx context.Context, scn uint32) (n int, err error) {
	defer func() {
		TraceLog.Printf("[Merge(%s)]: scn=%d n=%d %s", m.name, scn, n, errorKeyValue(err))
	}()

	assert(m.cache != nil, "merge requires a page cache")

	g, err := m.stateLock.RLock(ctx)
	if err != nil {
		return 0, err
	}
	defer g.Unlock()
	ctx = g.Context(ctx)

	if m.state != BackupStateMerge || m.hdr.SCN != scn {
		return 0, fmt.Errorf("merge interrupted: state=%s scn=%d", m.state, m.hdr.SCN)
	}

	// The table cannot change in the merge state so a snapshot is sufficient.
	ag, err := m.allocLock.RLock(ctx)
	if err != nil {
		return 0, err
	}
	pgnos := m.alloc.Pages()
	ag.Unlock()

	batchSize := m.MergeBatchSize
	if batchSize <= 0 {
		batchSize = DefaultMergeBatchSize
	}

	for i, pgno := range pgnos {
		if i > 0 && i%batchSize == 0 {
			runtime.Gosched()
			if err := m.cache.Flush(ctx, FlushUnused); err != nil {
				return n, fmt.Errorf("partial flush: %w", err)
			}
			slog.Debug("merge progress", slog.String("db", m.name), slog.Int("pages", i), slog.Int("total", len(pgnos)))
		}

		page, err := m.cache.FetchPage(ctx, pgno, LockModeExclusive)
		if err != nil {
			return n, fmt.Errorf("fetch page %d: %w", pgno, err)
		}
		if PageSCN(page.Data) != scn {
			m.cache.MarkMustRewrite(page)
			n++
		}
		m.cache.ReleasePage(page)
	}

	if err := m.cache.Flush(ctx, FlushAll); err != nil {
		return n, fmt.Errorf("flush: %w", err)
	}
	backupMergedPageCountMetricVec.WithLabelValues(m.name).Add(float64(n))

	return n, nil
}
