package prerender

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// eventLog records collaborator calls across goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(event string) int {
	for i, e := range l.all() {
		if e == event {
			return i
		}
	}
	return -1
}

func (l *eventLog) count(prefix string) int {
	n := 0
	for _, e := range l.all() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

// Now advances by a millisecond per call so durations are non-zero.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fakeIDs struct {
	id  string
	err error
}

func (f fakeIDs) NewID() (string, error) {
	return f.id, f.err
}

type fakeHasher struct{}

func (fakeHasher) Hash(data []byte) (string, error) {
	return "digest-" + string(rune('a'+len(data)%26)), nil
}

// fakeBrowser serves canned HTML per URL.
type fakeBrowser struct {
	log     *eventLog
	pages   map[string]string
	navErrs map[string]error
	openErr error

	mu      sync.Mutex
	opened  int
	open    int
	closed  bool
	created []*fakePage
}

func newFakeBrowser(log *eventLog, pages map[string]string) *fakeBrowser {
	return &fakeBrowser{log: log, pages: pages, navErrs: map[string]error{}}
}

func (b *fakeBrowser) NewPage(context.Context) (Page, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened++
	b.open++
	p := &fakePage{browser: b}
	b.created = append(b.created, p)
	return p, nil
}

func (b *fakeBrowser) Close(context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if b.log != nil {
		b.log.add("browser:close")
	}
	return nil
}

func (b *fakeBrowser) openPages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

type fakePage struct {
	browser *fakeBrowser

	mu       sync.Mutex
	calls    []string
	allow    func(string) bool
	width    int
	height   int
	url      string
	closed   bool
	closeErr error
}

func (p *fakePage) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePage) InterceptRequests(_ context.Context, allow func(string) bool) error {
	p.record("intercept")
	p.mu.Lock()
	p.allow = allow
	p.mu.Unlock()
	return nil
}

func (p *fakePage) SetViewport(_ context.Context, width, height int) error {
	p.record("viewport")
	p.mu.Lock()
	p.width, p.height = width, height
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.record("navigate")
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	if err := p.browser.navErrs[url]; err != nil {
		return err
	}
	return ctx.Err()
}

func (p *fakePage) WaitReady(_ context.Context, selector string) error {
	p.record("wait:" + selector)
	return nil
}

func (p *fakePage) OuterHTML(context.Context) (string, error) {
	p.record("html")
	p.mu.Lock()
	url := p.url
	p.mu.Unlock()
	html, ok := p.browser.pages[url]
	if !ok {
		return "", errors.New("no markup for " + url)
	}
	return html, nil
}

func (p *fakePage) Close() error {
	p.record("close")
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.browser.mu.Lock()
	p.browser.open--
	p.browser.mu.Unlock()
	return p.closeErr
}

func (p *fakePage) callList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// fakeBundler records Serve/Bundle/Close.
type fakeBundler struct {
	log       *eventLog
	serveErr  error
	bundleErr error

	mu    sync.Mutex
	modes []BuildMode
}

func (b *fakeBundler) Serve(ctx context.Context, _ int, mode BuildMode) error {
	b.mu.Lock()
	b.modes = append(b.modes, mode)
	b.mu.Unlock()
	b.log.add("serve:" + string(mode))
	if b.serveErr != nil {
		return b.serveErr
	}
	return ctx.Err()
}

func (b *fakeBundler) Bundle(_ context.Context, mode BuildMode) error {
	b.mu.Lock()
	b.modes = append(b.modes, mode)
	b.mu.Unlock()
	b.log.add("bundle:" + string(mode))
	return b.bundleErr
}

func (b *fakeBundler) Close(context.Context) error {
	b.log.add("bundler:close")
	return nil
}

// workerFunc adapts a function to Worker.
type workerFunc func(ctx context.Context, route Route) (Artifact, error)

func (f workerFunc) Capture(ctx context.Context, route Route) (Artifact, error) {
	return f(ctx, route)
}

type fakeManifest struct {
	mu    sync.Mutex
	runID string
	rows  []Artifact
	err   error
}

func (m *fakeManifest) RecordSnapshots(_ context.Context, runID string, artifacts []Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runID = runID
	m.rows = append([]Artifact(nil), artifacts...)
	return m.err
}

type fakePublisher struct {
	mu       sync.Mutex
	topic    string
	payloads []any
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.topic = topic
	p.payloads = append(p.payloads, payload)
	return "msg-1", nil
}

type countingPacer struct {
	mu    sync.Mutex
	waits int
}

func (p *countingPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	p.waits++
	p.mu.Unlock()
	return ctx.Err()
}
