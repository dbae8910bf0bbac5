// Package chromebrowser drives headless Chrome through chromedp. One browser
// process is shared by all captures; every Page is its own tab.
package chromebrowser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/croc/internal/prerender"
)

// ErrBrowserClosed is returned by NewPage after Close.
var ErrBrowserClosed = errors.New("browser closed")

// Config controls the Chrome launch.
type Config struct {
	ExecPath  string
	Headless  bool
	NoSandbox bool
}

// Browser owns the Chrome process and hands out tabs.
type Browser struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Launcher adapts Launch to prerender.BrowserLauncher.
func Launcher(cfg Config, logger *zap.Logger) prerender.BrowserLauncher {
	return func(ctx context.Context) (prerender.Browser, error) {
		return Launch(ctx, cfg, logger)
	}
}

// Launch starts Chrome and waits for the first tab. ctx bounds the startup
// only; the browser lives until Close.
func Launch(ctx context.Context, cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	sugar := logger.Sugar()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	stop := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		browserCancel()
		allocCancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("chromedp warmup: %w", ctxErr)
		}
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	logger.Debug("browser launched", zap.Bool("headless", cfg.Headless), zap.String("exec_path", cfg.ExecPath))

	return &Browser{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// NewPage opens a fresh tab. Cancelling ctx while the tab is being created
// closes it.
func (b *Browser) NewPage(ctx context.Context) (prerender.Page, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBrowserClosed
	}

	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	stop := forwardCancel(ctx, cancel)
	err := chromedp.Run(tabCtx)
	stop()
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("open tab: %w", ctxErr)
		}
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return newPage(tabCtx, cancel, b.logger), nil
}

// Close shuts the browser down. It is safe to call more than once.
func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(b.browserCtx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.browserCancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
