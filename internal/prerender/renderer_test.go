package prerender

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/croc/internal/storage/memory"
)

const testRoot = "http://localhost:3000"

func testRendererConfig() RendererConfig {
	return RendererConfig{
		RootURL:        testRoot,
		ViewportWidth:  1600,
		ViewportHeight: 950,
		AssetPrefix:    "/dist",
	}
}

type errStore struct{}

func (errStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("read-only file system")
}

func TestRendererCaptureWritesRewrittenSnapshot(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(nil, map[string]string{
		testRoot + "/about": `<html><head><script src="/dist/app.js"></script></head><body>About</body></html>`,
	})
	store := memory.NewBlobStore()
	r := NewRenderer(testRendererConfig(), browser, store, fakeHasher{}, newFakeClock(), zap.NewNop())

	artifact, err := r.Capture(context.Background(), "/about")
	require.NoError(t, err)

	got, ok := store.Get("about/index.html")
	require.True(t, ok)
	assert.Equal(t, `<html><head><script src="/app.js"></script></head><body>About</body></html>`, string(got))
	assert.Equal(t, "/about", artifact.Route)
	assert.Equal(t, "memory://about/index.html", artifact.Location)
	assert.Equal(t, len(got), artifact.Bytes)
	assert.NotEmpty(t, artifact.Digest)
	assert.Positive(t, artifact.Duration)

	require.Len(t, browser.created, 1)
	page := browser.created[0]
	assert.Equal(t, []string{"intercept", "viewport", "navigate", "html", "close"}, page.callList())
	assert.Equal(t, 1600, page.width)
	assert.Equal(t, 950, page.height)
	assert.Zero(t, browser.openPages())
}

func TestRendererRequestFilterIsSameOrigin(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(nil, map[string]string{testRoot + "/": "<html></html>"})
	r := NewRenderer(testRendererConfig(), browser, memory.NewBlobStore(), nil, newFakeClock(), nil)
	_, err := r.Capture(context.Background(), "/")
	require.NoError(t, err)

	allow := browser.created[0].allow
	require.NotNil(t, allow)
	assert.True(t, allow(testRoot+"/dist/app.js"))
	assert.False(t, allow("https://cdn.example.com/lib.js"))
	assert.False(t, allow("http://localhost:30001/x"))
}

func TestRendererIncludeExternalSkipsFilter(t *testing.T) {
	t.Parallel()

	cfg := testRendererConfig()
	cfg.IncludeExternal = true
	cfg.ReadySelector = "#app"
	browser := newFakeBrowser(nil, map[string]string{testRoot + "/": "<html></html>"})
	r := NewRenderer(cfg, browser, memory.NewBlobStore(), nil, newFakeClock(), nil)

	_, err := r.Capture(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"viewport", "navigate", "wait:#app", "html", "close"}, browser.created[0].callList())
}

func TestRendererClosesPageOnFailure(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(nil, map[string]string{})
	browser.navErrs[testRoot+"/broken"] = errors.New("net::ERR_CONNECTION_REFUSED")
	store := memory.NewBlobStore()
	r := NewRenderer(testRendererConfig(), browser, store, nil, newFakeClock(), nil)

	_, err := r.Capture(context.Background(), "/broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "navigate "+testRoot+"/broken")
	assert.Contains(t, err.Error(), "ERR_CONNECTION_REFUSED")
	assert.True(t, browser.created[0].closed)
	assert.Empty(t, store.Paths())

	// Extraction failure also releases the page.
	_, err = r.Capture(context.Background(), "/missing")
	require.ErrorContains(t, err, "extract html")
	assert.True(t, browser.created[1].closed)
	assert.Zero(t, browser.openPages())
}

func TestRendererPageCloseErrorIsNotFatal(t *testing.T) {
	t.Parallel()

	browser := &closeFailingBrowser{fakeBrowser: newFakeBrowser(nil, map[string]string{testRoot + "/": "<html></html>"})}
	r := NewRenderer(testRendererConfig(), browser, memory.NewBlobStore(), nil, newFakeClock(), nil)
	_, err := r.Capture(context.Background(), "/")
	require.NoError(t, err)
}

type closeFailingBrowser struct{ *fakeBrowser }

func (b *closeFailingBrowser) NewPage(ctx context.Context) (Page, error) {
	p, err := b.fakeBrowser.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	p.(*fakePage).closeErr = errors.New("target closed")
	return p, nil
}

func TestRendererOpenPageError(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(nil, nil)
	browser.openErr = errors.New("browser crashed")
	r := NewRenderer(testRendererConfig(), browser, memory.NewBlobStore(), nil, newFakeClock(), nil)
	_, err := r.Capture(context.Background(), "/")
	require.ErrorContains(t, err, "open page: browser crashed")
}

func TestRendererStoreError(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(nil, map[string]string{testRoot + "/": "<html></html>"})
	r := NewRenderer(testRendererConfig(), browser, errStore{}, nil, newFakeClock(), nil)
	_, err := r.Capture(context.Background(), "/")
	require.ErrorContains(t, err, "write snapshot")
	assert.True(t, browser.created[0].closed)
}

func TestRendererSettleDelayHonorsContext(t *testing.T) {
	t.Parallel()

	cfg := testRendererConfig()
	cfg.SettleDelay = time.Minute
	browser := newFakeBrowser(nil, map[string]string{testRoot + "/": "<html></html>"})
	r := NewRenderer(cfg, browser, memory.NewBlobStore(), nil, newFakeClock(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Capture(ctx, "/")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, strings.Contains(err.Error(), "settle delay"))
	assert.True(t, browser.created[0].closed)
}
