package storefront

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/FranksOps/poolfeed/internal/fetch"
	"github.com/FranksOps/poolfeed/internal/gate"
	"github.com/FranksOps/poolfeed/internal/source"
)

// Loader returns the HTML of a page.
type Loader interface {
	Load(ctx context.Context, pageURL string) ([]byte, error)
}

// HTTPLoader loads pages with a plain gated GET.
type HTTPLoader struct {
	Getter  source.Getter
	GateKey string
}

// Load implements Loader.
func (l *HTTPLoader) Load(ctx context.Context, pageURL string) ([]byte, error) {
	resp, err := l.Getter.Get(ctx, fetch.Request{URL: pageURL, GateKey: l.GateKey, Accept: fetch.AcceptHTML})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// BrowserConfig configures a BrowserLoader.
type BrowserConfig struct {
	// Gate admits page loads alongside plain fetches. Nil admits everything.
	Gate    *gate.Gate
	GateKey string
	// Timeout bounds one page load. Defaults to 30s.
	Timeout   time.Duration
	UserAgent string
	// WaitSelector is awaited before the DOM is captured. Defaults to "body".
	WaitSelector string
	// ExecPath overrides the Chrome binary.
	ExecPath string
}

// BrowserLoader renders pages in headless Chrome for storefronts that
// build their listings client-side.
type BrowserLoader struct {
	cfg         BrowserConfig
	allocCtx    context.Context
	allocCancel context.CancelFunc
	logger      *slog.Logger
}

// NewBrowserLoader starts a Chrome allocator. Close releases it.
func NewBrowserLoader(cfg BrowserConfig, logger *slog.Logger) *BrowserLoader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &BrowserLoader{cfg: cfg, allocCtx: allocCtx, allocCancel: cancel, logger: logger}
}

// Load implements Loader.
func (l *BrowserLoader) Load(ctx context.Context, pageURL string) ([]byte, error) {
	if l.cfg.Gate != nil {
		permit, err := l.cfg.Gate.Acquire(ctx, l.cfg.GateKey)
		if err != nil {
			if errors.Is(err, gate.ErrWaitExceeded) {
				return nil, &fetch.Error{Kind: fetch.KindExhausted, URL: pageURL, Err: err}
			}
			return nil, err
		}
		defer permit.Release()
	}

	taskCtx, cancel := chromedp.NewContext(l.allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		l.logger.Debug(fmt.Sprintf(format, args...), "url", pageURL)
	}))
	defer cancel()
	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, l.cfg.Timeout)
	defer cancelTimeout()

	// Tie the browser tab to the caller's cancellation as well.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	start := time.Now()
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady(l.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("render %s: %w", pageURL, ctx.Err())
		}
		kind := fetch.KindNetwork
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			kind = fetch.KindTimeout
		}
		return nil, &fetch.Error{Kind: kind, URL: pageURL, Err: err}
	}
	l.logger.Debug("rendered page", "url", pageURL, "bytes", len(html), "duration", time.Since(start))
	return []byte(html), nil
}

// Close shuts down the browser.
func (l *BrowserLoader) Close() {
	l.allocCancel()
}
