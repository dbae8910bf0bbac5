package prerender

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/JakeFAU/croc/internal/prerender")

// RendererConfig holds the per-capture settings derived from Config.
type RendererConfig struct {
	RootURL         string
	SettleDelay     time.Duration
	ViewportWidth   int
	ViewportHeight  int
	IncludeExternal bool
	AssetPrefix     string
	ReadySelector   string
}

// Renderer captures a route's fully rendered HTML and writes it to the store.
type Renderer struct {
	cfg     RendererConfig
	browser Browser
	store   ArtifactStore
	hasher  Hasher
	clock   Clock
	logger  *zap.Logger
}

// NewRenderer builds a Renderer over a shared browser.
func NewRenderer(
	cfg RendererConfig,
	browser Browser,
	store ArtifactStore,
	hasher Hasher,
	clock Clock,
	logger *zap.Logger,
) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		cfg:     cfg,
		browser: browser,
		store:   store,
		hasher:  hasher,
		clock:   clock,
		logger:  logger,
	}
}

// Capture renders route, rewrites asset paths and writes <route>/index.html.
// Errors propagate to the caller; there is no retry.
func (r *Renderer) Capture(ctx context.Context, route Route) (Artifact, error) {
	ctx, span := tracer.Start(ctx, "prerender.capture", trace.WithAttributes(attribute.String("route", route)))
	defer span.End()

	start := r.clock.Now()
	artifact, err := r.capture(ctx, route)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		return Artifact{}, err
	}
	artifact.CapturedAt = start
	artifact.Duration = r.clock.Now().Sub(start)
	span.SetAttributes(attribute.Int("bytes", artifact.Bytes))
	return artifact, nil
}

func (r *Renderer) capture(ctx context.Context, route Route) (Artifact, error) {
	html, err := r.render(ctx, route)
	if err != nil {
		return Artifact{}, err
	}
	html = RewriteAssetPaths(html, r.cfg.AssetPrefix)

	location, err := r.store.PutObject(ctx, ArtifactPath(route), contentTypeHTML, strings.NewReader(html))
	if err != nil {
		return Artifact{}, fmt.Errorf("write snapshot: %w", err)
	}
	artifact := Artifact{
		Route:    route,
		Location: location,
		Bytes:    len(html),
	}
	if r.hasher != nil {
		digest, err := r.hasher.Hash([]byte(html))
		if err != nil {
			return Artifact{}, fmt.Errorf("hash snapshot: %w", err)
		}
		artifact.Digest = digest
	}
	return artifact, nil
}

// render owns the page for the duration of one capture and closes it on
// every path before returning.
func (r *Renderer) render(ctx context.Context, route Route) (string, error) {
	page, err := r.browser.NewPage(ctx)
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			r.logger.Warn("page close failed", zap.String("route", route), zap.Error(cerr))
		}
	}()

	if !r.cfg.IncludeExternal {
		if err := page.InterceptRequests(ctx, SameOrigin(r.cfg.RootURL)); err != nil {
			return "", fmt.Errorf("install request filter: %w", err)
		}
	}
	if err := page.SetViewport(ctx, r.cfg.ViewportWidth, r.cfg.ViewportHeight); err != nil {
		return "", fmt.Errorf("set viewport: %w", err)
	}
	target := strings.TrimRight(r.cfg.RootURL, "/") + route
	if err := page.Navigate(ctx, target); err != nil {
		return "", fmt.Errorf("navigate %s: %w", target, err)
	}
	if r.cfg.ReadySelector != "" {
		if err := page.WaitReady(ctx, r.cfg.ReadySelector); err != nil {
			return "", fmt.Errorf("wait for %q: %w", r.cfg.ReadySelector, err)
		}
	}
	if err := sleep(ctx, r.cfg.SettleDelay); err != nil {
		return "", fmt.Errorf("settle delay: %w", err)
	}
	html, err := page.OuterHTML(ctx)
	if err != nil {
		return "", fmt.Errorf("extract html: %w", err)
	}
	return html, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
