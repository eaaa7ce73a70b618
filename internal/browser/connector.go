package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ControlChannel is the live control connection to a launched browser.
// It is the only seam through which the session, the health validator,
// and the background supervisor talk to the DevTools protocol, so tests
// can stand in a fake and drive the whole lifecycle without a browser.
type ControlChannel interface {
	// BrowserContext is the browser-level context; it ends when the
	// channel closes or the connection drops.
	BrowserContext() context.Context
	// NewPage attaches to the target with the given id, or creates a
	// fresh page target when id is empty. The returned context scopes
	// every operation on that page; cancelling it detaches the page.
	NewPage(ctx context.Context, id target.ID) (context.Context, context.CancelFunc, target.ID, error)
	// ConfigurePage applies the baseline emulation defaults (viewport
	// metrics and, when non-empty, the user-agent identity) to a page.
	ConfigurePage(ctx context.Context, pageCtx context.Context, width, height int64, userAgent string) error
	// Navigate drives the page behind pageCtx to the url.
	Navigate(ctx context.Context, pageCtx context.Context, url string) error
	// ClosePage gracefully closes the page behind pageCtx.
	ClosePage(ctx context.Context, pageCtx context.Context) error
	// CloseTarget closes a target by id, tracked or not.
	CloseTarget(id target.ID) error
	// Probe performs one cheap round-trip to prove the channel alive.
	Probe(ctx context.Context) error
	// InstallTargetListeners routes target lifecycle notifications into
	// fn until the channel closes. fn must not block.
	InstallTargetListeners(fn func(targetNotice)) error
	// Close tears the channel down. Idempotent.
	Close()
}

// Connector opens the control connection to a launched process.
type Connector interface {
	Connect(ctx context.Context, wsURL string) (ControlChannel, error)
}

// noticeKind discriminates targetNotice values.
type noticeKind int

const (
	noticeTargetCreated noticeKind = iota
	noticeTargetDestroyed
	noticeTargetCrashed
	noticeDetached
)

// targetNotice is one target lifecycle notification surfaced by the
// control channel. Created notices carry the target info snapshot.
type targetNotice struct {
	kind noticeKind
	id   target.ID
	info *target.Info
}

// ChromedpConnector dials the DevTools WebSocket endpoint under the
// configured deadline. No retry lives here; retry policy belongs to the
// initializer, which re-checks the breaker and the port before another
// attempt.
type ChromedpConnector struct {
	log      *zap.Logger
	deadline time.Duration
}

// NewChromedpConnector returns a connector that fails with
// KindConnectTimeout when the channel is not established within
// deadline.
func NewChromedpConnector(log *zap.Logger, deadline time.Duration) *ChromedpConnector {
	return &ChromedpConnector{log: log.Named("connector"), deadline: deadline}
}

// Connect implements Connector. The channel's lifetime is deliberately
// detached from the initialization ctx: the session must outlive the
// call that created it, so ctx only bounds the dial.
func (c *ChromedpConnector) Connect(ctx context.Context, wsURL string) (ControlChannel, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL, chromedp.NoModifyURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(c.log.Sugar().Debugf),
		chromedp.WithErrorf(c.log.Sugar().Errorf),
	)
	ch := &chromedpChannel{
		log:           c.log,
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}

	// The first Run both dials the WebSocket and attaches to a target.
	// It is raced against the deadline rather than run on a derived
	// timeout context so the browser context's lifetime stays bound to
	// the channel, not to this dial.
	primed := make(chan error, 1)
	go func() {
		primed <- chromedp.Run(browserCtx, chromedp.ActionFunc(func(actx context.Context) error {
			_, _, _, _, _, err := browser.GetVersion().Do(actx)
			return err
		}))
	}()

	deadline := time.NewTimer(c.deadline)
	defer deadline.Stop()

	select {
	case err := <-primed:
		if err != nil {
			ch.Close()
			return nil, &ClassifiedError{Kind: Classify(err), Err: fmt.Errorf("establishing control channel: %w", err)}
		}
	case <-deadline.C:
		ch.Close()
		return nil, classifiedf(KindConnectTimeout,
			"control channel to %s not established within %s", wsURL, c.deadline)
	case <-ctx.Done():
		ch.Close()
		return nil, classified(KindConnectTimeout,
			fmt.Errorf("establishing control channel: %w", ctx.Err()))
	}

	c.log.Debug("Control channel established.", zap.String("ws_url", wsURL))
	return ch, nil
}

// chromedpChannel is the production ControlChannel over chromedp.
type chromedpChannel struct {
	log           *zap.Logger
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

func (ch *chromedpChannel) BrowserContext() context.Context { return ch.browserCtx }

func (ch *chromedpChannel) NewPage(ctx context.Context, id target.ID) (context.Context, context.CancelFunc, target.ID, error) {
	var opts []chromedp.ContextOption
	if id != "" {
		opts = append(opts, chromedp.WithTargetID(id))
	}
	pageCtx, cancel := chromedp.NewContext(ch.browserCtx, opts...)

	// Realize the target now so failures surface here instead of on the
	// first use.
	run, runCancel := combineContext(pageCtx, ctx)
	defer runCancel()
	if err := chromedp.Run(run, chromedp.ActionFunc(func(actx context.Context) error {
		return nil
	})); err != nil {
		cancel()
		return nil, nil, "", fmt.Errorf("attaching to page target: %w", err)
	}

	tgt := chromedp.FromContext(pageCtx).Target
	if tgt == nil {
		cancel()
		return nil, nil, "", fmt.Errorf("page context has no attached target")
	}
	return pageCtx, cancel, tgt.TargetID, nil
}

func (ch *chromedpChannel) ConfigurePage(ctx context.Context, pageCtx context.Context, width, height int64, userAgent string) error {
	actions := []chromedp.Action{
		emulation.SetDeviceMetricsOverride(width, height, 1, false),
	}
	if userAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(userAgent))
	}
	run, cancel := combineContext(pageCtx, ctx)
	defer cancel()
	return chromedp.Run(run, actions...)
}

func (ch *chromedpChannel) Navigate(ctx context.Context, pageCtx context.Context, url string) error {
	run, cancel := combineContext(pageCtx, ctx)
	defer cancel()
	return chromedp.Run(run, chromedp.Navigate(url))
}

func (ch *chromedpChannel) ClosePage(ctx context.Context, pageCtx context.Context) error {
	run, cancel := combineContext(pageCtx, ctx)
	defer cancel()
	return chromedp.Run(run, page.Close())
}

func (ch *chromedpChannel) CloseTarget(id target.ID) error {
	return chromedp.Run(ch.browserCtx, chromedp.ActionFunc(func(actx context.Context) error {
		return target.CloseTarget(id).Do(actx)
	}))
}

func (ch *chromedpChannel) Probe(ctx context.Context) error {
	run, cancel := combineContext(ch.browserCtx, ctx)
	defer cancel()
	return chromedp.Run(run, chromedp.ActionFunc(func(actx context.Context) error {
		_, _, _, _, _, err := browser.GetVersion().Do(actx)
		return err
	}))
}

func (ch *chromedpChannel) InstallTargetListeners(fn func(targetNotice)) error {
	relay := func(ev interface{}) {
		switch e := ev.(type) {
		case *target.EventTargetCreated:
			fn(targetNotice{kind: noticeTargetCreated, id: e.TargetInfo.TargetID, info: e.TargetInfo})
		case *target.EventTargetDestroyed:
			fn(targetNotice{kind: noticeTargetDestroyed, id: e.TargetID})
		case *target.EventTargetCrashed:
			fn(targetNotice{kind: noticeTargetCrashed, id: e.TargetID})
		case *inspector.EventTargetCrashed:
			fn(targetNotice{kind: noticeTargetCrashed})
		case *inspector.EventDetached:
			fn(targetNotice{kind: noticeDetached})
		}
	}
	chromedp.ListenBrowser(ch.browserCtx, relay)
	chromedp.ListenTarget(ch.browserCtx, relay)

	// Target discovery is what makes the browser report created and
	// destroyed targets in the first place.
	return chromedp.Run(ch.browserCtx, chromedp.ActionFunc(func(actx context.Context) error {
		return target.SetDiscoverTargets(true).Do(actx)
	}))
}

func (ch *chromedpChannel) Close() {
	ch.browserCancel()
	ch.allocCancel()
}

// combineContext derives a context that carries opCtx's values (the
// chromedp target for pageCtx-derived runs) while also honoring the
// caller's cancellation and deadline. chromedp resolves its state from
// the first argument, so pageCtx must be the parent.
func combineContext(pageCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(pageCtx)
	if opCtx == nil || opCtx == pageCtx {
		return combined, cancel
	}
	stop := context.AfterFunc(opCtx, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}
