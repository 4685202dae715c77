// Package chromedp renders catalog pages in headless Chrome and returns the
// settled DOM as HTML.
package chromedp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"

	"github.com/fairyhunter13/datashelf/internal/adapter/observability"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Renderer implements domain.Renderer over a shared headless browser. A single
// allocator is reused across renders; each Render gets its own tab context.
type Renderer struct {
	timeout   time.Duration
	userAgent string
	// settle is the post-navigation wait for client-side rendering.
	settle time.Duration

	mu          sync.Mutex
	browserCtx  context.Context
	browserStop context.CancelFunc
	allocStop   context.CancelFunc
	initialized bool
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithTimeout bounds a single render.
func WithTimeout(d time.Duration) Option {
	return func(r *Renderer) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithUserAgent overrides the browser user agent.
func WithUserAgent(ua string) Option {
	return func(r *Renderer) {
		if ua != "" {
			r.userAgent = ua
		}
	}
}

// WithSettleDelay overrides the post-navigation JS settle wait.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Renderer) { r.settle = d }
}

// New builds a Renderer. The browser starts lazily on first Render.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		timeout:   60 * time.Second,
		userAgent: defaultUserAgent,
		settle:    2 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Renderer) ensureBrowser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return r.browserCtx, nil
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(r.userAgent),
	)
	allocCtx, allocStop := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	// Startup probe so a broken Chrome install fails loudly here, not mid-job.
	probeCtx, cancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		browserStop()
		allocStop()
		return nil, fmt.Errorf("op=render.ensureBrowser: %w", err)
	}

	r.browserCtx = browserCtx
	r.browserStop = browserStop
	r.allocStop = allocStop
	r.initialized = true
	slog.Info("headless browser started")
	return browserCtx, nil
}

// Render navigates to targetURL, waits for the page to settle and returns the
// full rendered DOM. Transient failures are retried with exponential backoff
// within the render timeout.
func (r *Renderer) Render(ctx context.Context, targetURL string) (string, error) {
	browserCtx, err := r.ensureBrowser()
	if err != nil {
		return "", err
	}

	var html string
	operation := func() error {
		html, err = r.renderOnce(ctx, browserCtx, targetURL)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	start := time.Now()
	if err := backoff.Retry(operation, policy); err != nil {
		return "", fmt.Errorf("op=render.Render url=%s: %w", targetURL, err)
	}
	observability.PagesRenderedTotal.WithLabelValues("page").Inc()
	observability.RenderDuration.Observe(time.Since(start).Seconds())
	return html, nil
}

func (r *Renderer) renderOnce(ctx, browserCtx context.Context, targetURL string) (string, error) {
	// One tab per render so a hung page cannot poison the shared browser.
	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()
	runCtx, cancel := context.WithTimeout(tabCtx, r.timeout)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body"),
		chromedp.Sleep(r.settle),
		chromedp.ActionFunc(func(c context.Context) error {
			root, err := dom.GetDocument().Do(c)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(root.NodeID).Do(c)
			return err
		}),
	)
	if err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}
	return html, nil
}

// Ping verifies the browser responds, for readiness checks.
func (r *Renderer) Ping(ctx context.Context) error {
	browserCtx, err := r.ensureBrowser()
	if err != nil {
		return err
	}
	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()
	runCtx, cancel := context.WithTimeout(tabCtx, 10*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.Navigate("about:blank")); err != nil {
		return fmt.Errorf("op=render.Ping: %w", err)
	}
	return nil
}

// Close shuts the shared browser down.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return
	}
	r.browserStop()
	r.allocStop()
	r.initialized = false
	slog.Info("headless browser stopped")
}
