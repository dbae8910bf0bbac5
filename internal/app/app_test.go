package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/croc/internal/config"
	"github.com/JakeFAU/croc/internal/metrics"
	"github.com/JakeFAU/croc/internal/prerender"
)

const shell = `<html><head><link href="/dist/app.css" rel="stylesheet"></head>` +
	`<body><div id="root"></div><script src="/dist/app.js"></script></body></html>`

// httpBrowser fetches pages over HTTP instead of running a real browser.
type httpBrowser struct {
	mu     sync.Mutex
	urls   []string
	closed bool
}

func (b *httpBrowser) NewPage(context.Context) (prerender.Page, error) {
	return &httpPage{browser: b}, nil
}

func (b *httpBrowser) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *httpBrowser) visited() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.urls...)
}

type httpPage struct {
	browser *httpBrowser
	body    string
}

func (p *httpPage) InterceptRequests(context.Context, func(string) bool) error { return nil }
func (p *httpPage) SetViewport(context.Context, int, int) error                { return nil }
func (p *httpPage) WaitReady(context.Context, string) error                    { return nil }
func (p *httpPage) Close() error                                               { return nil }

func (p *httpPage) Navigate(ctx context.Context, url string) error {
	p.browser.mu.Lock()
	p.browser.urls = append(p.browser.urls, url)
	p.browser.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	p.body = string(data)
	return nil
}

func (p *httpPage) OuterHTML(context.Context) (string, error) {
	return p.body, nil
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(shell), 0o600))
	return config.Config{
		BasePath:     dir,
		Port:         freePort(t),
		WaitTime:     0,
		Viewport:     config.ViewportConfig{Width: 1600, Height: 950},
		Routes:       []string{"/", "/about"},
		AssetPrefix:  "/dist",
		Concurrency:  2,
		RouteTimeout: 10 * time.Second,
		Bundler:      config.BundlerConfig{OutDir: dir, ModeEnv: "NODE_ENV"},
	}
}

func TestBuildAndRunPipeline(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	browser := &httpBrowser{}
	launch := func(context.Context) (prerender.Browser, error) { return browser, nil }

	a, err := Build(context.Background(), cfg, zap.NewNop(), WithLauncher(launch))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	summary, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, prerender.PhaseDone, summary.Phase())
	assert.Equal(t, prerender.PhaseDone, a.Phase())
	require.Len(t, summary.Artifacts, 2)
	assert.NotEmpty(t, summary.Artifacts[0].Digest)

	assert.ElementsMatch(t, []string{
		fmt.Sprintf("http://localhost:%d/", cfg.Port),
		fmt.Sprintf("http://localhost:%d/about", cfg.Port),
	}, browser.visited())
	browser.mu.Lock()
	assert.True(t, browser.closed)
	browser.mu.Unlock()

	for _, rel := range []string{"index.html", filepath.Join("about", "index.html")} {
		// #nosec G304 -- test reads from its own temp directory.
		data, err := os.ReadFile(filepath.Join(cfg.BasePath, rel))
		require.NoError(t, err)
		assert.Contains(t, string(data), `<script src="/app.js">`)
		assert.NotContains(t, string(data), "/dist/")
	}

	msgs := a.runs.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, defaultTopic, msgs[0].Topic)
	assert.Equal(t, summary.RunID, msgs[0].Payload.(prerender.RunSummary).RunID)

	// The origin is gone once the run ends.
	_, err = http.Get(fmt.Sprintf("http://localhost:%d/", cfg.Port))
	require.Error(t, err)
}

func TestRunReportsLaunchFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	launch := func(context.Context) (prerender.Browser, error) { return nil, errors.New("no chrome") }

	a, err := Build(context.Background(), cfg, nil, WithLauncher(launch))
	require.NoError(t, err)
	defer func() { _ = a.Close(context.Background()) }()

	summary, err := a.Run(context.Background())
	require.ErrorContains(t, err, "no chrome")
	assert.Equal(t, prerender.PhaseFailed, summary.Phase())
	assert.Empty(t, a.runs.Messages())
}

func TestBuildFailsOnUnwritableBasePath(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	cfg.BasePath = file

	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "local blob store init failed")
}

func TestBuildWithTelemetry(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Telemetry = config.TelemetryConfig{Enabled: true, ServiceName: "croc-test"}

	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, a.tracerShutdown)
	require.NoError(t, a.Close(context.Background()))
}

func TestMetricsRouter(t *testing.T) {
	t.Parallel()

	metrics.Init()
	srv := httptest.NewServer(newMetricsRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "croc_inflight_captures")
}

func TestDryRunKeepsSnapshotsInMemory(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.DryRun = true
	launch := func(context.Context) (prerender.Browser, error) { return &httpBrowser{}, nil }

	a, err := Build(context.Background(), cfg, zap.NewNop(), WithLauncher(launch))
	require.NoError(t, err)
	defer func() { _ = a.Close(context.Background()) }()

	_, err = a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"about/index.html", "index.html"}, a.DryRunPaths())
	assert.NoFileExists(t, filepath.Join(cfg.BasePath, "about", "index.html"))

	// #nosec G304 -- test reads from its own temp directory.
	data, err := os.ReadFile(filepath.Join(cfg.BasePath, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, shell, string(data), "the shell is untouched")
}
