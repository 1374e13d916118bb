package mock

import (
	"context"

	"github.com/superfly/litedelta"
)

var _ litedelta.PageCache = (*PageCache)(nil)

type PageCache struct {
	FetchPageFunc       func(ctx context.Context, pgno uint32, mode litedelta.LockMode) (*litedelta.Page, error)
	ReleasePageFunc     func(p *litedelta.Page)
	MarkMustRewriteFunc func(p *litedelta.Page)
	FlushFunc           func(ctx context.Context, scope litedelta.FlushScope) error
}

func (c *PageCache) FetchPage(ctx context.Context, pgno uint32, mode litedelta.LockMode) (*litedelta.Page, error) {
	return c.FetchPageFunc(ctx, pgno, mode)
}

func (c *PageCache) ReleasePage(p *litedelta.Page) { c.ReleasePageFunc(p) }

func (c *PageCache) MarkMustRewrite(p *litedelta.Page) { c.MarkMustRewriteFunc(p) }

func (c *PageCache) Flush(ctx context.Context, scope litedelta.FlushScope) error {
	return c.FlushFunc(ctx, scope)
}
