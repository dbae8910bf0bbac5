package chromebrowser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// networkAlmostIdle fires once there are at most two network connections
// for 500ms.
const networkAlmostIdle = "networkAlmostIdle"

// Page is a single tab. Methods must not be called concurrently.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	idle   *idleTracker

	closeOnce sync.Once
	closeErr  error
}

func newPage(tabCtx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Page {
	p := &Page{ctx: tabCtx, cancel: cancel, logger: logger, idle: newIdleTracker()}
	chromedp.ListenTarget(tabCtx, p.onLifecycle)
	return p
}

// InterceptRequests pauses every request and fails the ones allow rejects
// with BlockedByClient.
func (p *Page) InterceptRequests(ctx context.Context, allow func(string) bool) error {
	chromedp.ListenTarget(p.ctx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		// Listeners must not block the event loop.
		go p.resolve(paused, allow)
	})
	patterns := []*fetch.RequestPattern{{URLPattern: "*"}}
	return p.run(ctx, fetch.Enable().WithPatterns(patterns))
}

func (p *Page) resolve(ev *fetch.EventRequestPaused, allow func(string) bool) {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return
	}
	ectx := cdp.WithExecutor(p.ctx, c.Target)

	url := ""
	if ev.Request != nil {
		url = ev.Request.URL
	}
	var err error
	if allow(url) {
		err = fetch.ContinueRequest(ev.RequestID).Do(ectx)
	} else {
		p.logger.Debug("request blocked", zap.String("url", url))
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ectx)
	}
	if err != nil && p.ctx.Err() == nil {
		p.logger.Debug("resolve paused request", zap.String("url", url), zap.Error(err))
	}
}

// SetViewport emulates a width x height device viewport.
func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	return p.run(ctx, chromedp.EmulateViewport(int64(width), int64(height)))
}

// Navigate loads url and waits for the main frame's networkAlmostIdle
// lifecycle event.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, page.SetLifecycleEventsEnabled(true), chromedp.Navigate(url)); err != nil {
		return err
	}
	select {
	case <-p.idle.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for network idle: %w", ctx.Err())
	case <-p.ctx.Done():
		return fmt.Errorf("wait for network idle: %w", p.ctx.Err())
	}
}

func (p *Page) onLifecycle(ev any) {
	e, ok := ev.(*page.EventLifecycleEvent)
	if !ok || e.FrameID != p.mainFrame() {
		return
	}
	switch e.Name {
	case "init":
		p.idle.Reset()
	case networkAlmostIdle:
		p.idle.Signal()
	}
}

func (p *Page) mainFrame() cdp.FrameID {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return ""
	}
	return cdp.FrameID(c.Target.TargetID)
}

// WaitReady blocks until selector matches a ready node.
func (p *Page) WaitReady(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

// OuterHTML serializes document.documentElement.
func (p *Page) OuterHTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.Evaluate(`document.documentElement.outerHTML`, &html)); err != nil {
		return "", err
	}
	return html, nil
}

// Close closes the tab. It is safe to call more than once.
func (p *Page) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = chromedp.Cancel(p.ctx)
		p.cancel()
	})
	if p.closeErr != nil {
		return fmt.Errorf("close tab: %w", p.closeErr)
	}
	return nil
}

// run executes actions on the tab, aborting when ctx is done without
// closing the tab itself.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// idleTracker latches the network-idle signal for the current document.
type idleTracker struct {
	mu       sync.Mutex
	ch       chan struct{}
	signaled bool
}

func newIdleTracker() *idleTracker {
	return &idleTracker{ch: make(chan struct{})}
}

// Reset arms the tracker for a new document.
func (t *idleTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.signaled {
		t.ch = make(chan struct{})
		t.signaled = false
	}
}

// Signal marks the current document idle.
func (t *idleTracker) Signal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.signaled {
		close(t.ch)
		t.signaled = true
	}
}

// Done is closed once the current document went idle.
func (t *idleTracker) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch
}
