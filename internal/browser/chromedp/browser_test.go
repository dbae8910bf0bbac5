package chromebrowser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/croc/internal/prerender"
)

func launchOrSkip(t *testing.T) *Browser {
	t.Helper()
	found := false
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			found = true
			break
		}
	}
	if !found {
		t.Skip("chrome not installed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	b, err := Launch(ctx, Config{Headless: true, NoSandbox: true}, zap.NewNop())
	if err != nil {
		t.Skipf("chromedp unavailable: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestRendersScriptedContentAndBlocksExternal(t *testing.T) {
	var externalHits atomic.Int32
	external := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		externalHits.Add(1)
		_, _ = fmt.Fprint(w, `document.body.setAttribute("data-external", "1")`)
	}))
	defer external.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintf(w, `<!doctype html><html><head><script src="%s/x.js"></script></head>`+
			`<body><script>document.body.innerHTML += '<div id="late">late content</div>';</script></body></html>`, external.URL)
	}))
	defer origin.Close()

	b := launchOrSkip(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := b.NewPage(ctx)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	require.NoError(t, p.InterceptRequests(ctx, prerender.SameOrigin(origin.URL)))
	require.NoError(t, p.SetViewport(ctx, 800, 600))
	require.NoError(t, p.Navigate(ctx, origin.URL+"/"))
	require.NoError(t, p.WaitReady(ctx, "#late"))

	html, err := p.OuterHTML(ctx)
	require.NoError(t, err)
	assert.Contains(t, html, "late content")
	assert.True(t, strings.HasPrefix(html, "<html"))
	assert.NotContains(t, html, "data-external")
	assert.Zero(t, externalHits.Load())
}

func TestNewPageAfterClose(t *testing.T) {
	b := launchOrSkip(t)
	require.NoError(t, b.Close(context.Background()))
	require.NoError(t, b.Close(context.Background()))

	_, err := b.NewPage(context.Background())
	require.True(t, errors.Is(err, ErrBrowserClosed))
}

func TestAllocatorOptions(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(Config{Headless: true}))
	assert.Equal(t, base+3, len(allocatorOptions(Config{ExecPath: "/usr/bin/chromium", NoSandbox: true})))
}

func TestIdleTracker(t *testing.T) {
	t.Parallel()

	tr := newIdleTracker()
	select {
	case <-tr.Done():
		t.Fatal("tracker must start armed")
	default:
	}

	tr.Signal()
	tr.Signal()
	<-tr.Done()

	tr.Reset()
	select {
	case <-tr.Done():
		t.Fatal("reset must re-arm the tracker")
	default:
	}
	tr.Reset()
	tr.Signal()
	<-tr.Done()
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	defer stop()
	cancelParent()

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("expected parent cancellation to be forwarded")
	}

	other, cancelOther := context.WithCancel(context.Background())
	defer cancelOther()
	stopOther := forwardCancel(context.Background(), cancelOther)
	stopOther()
	assert.NoError(t, other.Err())
}
