package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/target"
)

// Page is one navigable context inside a Session. The session owns the
// page's lifetime; background tasks hold the page only as a
// back-reference and stop when its context ends.
type Page struct {
	id     target.ID
	opener target.ID
	url    string

	ctx    context.Context
	cancel context.CancelFunc

	session *Session
}

// TargetID returns the page's target id.
func (p *Page) TargetID() target.ID { return p.id }

// Opener returns the id of the target that opened this page, or the
// empty id for pages the supervisor created itself.
func (p *Page) Opener() target.ID { return p.opener }

// URL returns the destination the page carried when it was adopted.
func (p *Page) URL() string { return p.url }

// Context returns the page-scoped context. It ends when the page
// closes or the session tears down, which is the cancellation signal
// for every background task referencing this page.
func (p *Page) Context() context.Context { return p.ctx }

// Navigate drives the page to the given URL.
func (p *Page) Navigate(ctx context.Context, url string) error {
	select {
	case <-p.ctx.Done():
		return classifiedf(KindFrameOrTargetLost, "page %s is closed", p.id)
	default:
	}
	if err := p.session.channel.Navigate(ctx, p.ctx, url); err != nil {
		return fmt.Errorf("navigating page %s: %w", p.id, err)
	}
	return nil
}

// Close gracefully closes the page and unregisters it from the
// session. Closing an already-closed page is a no-op.
func (p *Page) Close(ctx context.Context) error {
	select {
	case <-p.ctx.Done():
		return nil
	default:
	}
	err := p.session.channel.ClosePage(ctx, p.ctx)
	p.cancel()
	p.session.untrackPage(p.id)
	if err != nil {
		return fmt.Errorf("closing page %s: %w", p.id, err)
	}
	return nil
}
