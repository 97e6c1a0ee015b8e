package measure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/haasonsaas/plugperf/pkg/models"
)

// ChromeDPConfig configures the chromedp backend.
type ChromeDPConfig struct {
	// RemoteURL is a DevTools endpoint such as http://127.0.0.1:9222. When
	// empty a local headless Chrome is started.
	RemoteURL string
	// FormFactor is "mobile" (default) or "desktop".
	FormFactor string
	// Timeout bounds one measurement. Defaults to 60s.
	Timeout time.Duration
	// Settle is the wait after load before metrics are read. Defaults to 2s.
	Settle time.Duration
}

// ChromeDP measures pages over the Chrome DevTools protocol. Each measurement
// opens a new tab with the HTTP cache disabled.
type ChromeDP struct {
	cfg     ChromeDPConfig
	profile Profile
	logger  *slog.Logger

	mu            sync.Mutex
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
}

// NewChromeDP connects to (or starts) Chrome.
func NewChromeDP(cfg ChromeDPConfig, logger *slog.Logger) (*ChromeDP, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	var (
		allocCtx    context.Context
		cancelAlloc context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.NoSandbox)
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// Run with no actions starts the browser, or attaches to the remote one.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("failed to connect to Chrome: %w", err)
	}

	return &ChromeDP{
		cfg:           cfg,
		profile:       ProfileFor(cfg.FormFactor),
		logger:        logger.With("backend", BackendChromeDP),
		browserCtx:    browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
	}, nil
}

func (c *ChromeDP) emulation() chromedp.Action {
	if c.cfg.FormFactor == "desktop" {
		return chromedp.EmulateViewport(1350, 940)
	}
	return chromedp.EmulateViewport(412, 823, chromedp.EmulateScale(1.75), chromedp.EmulateMobile, chromedp.EmulateTouch)
}

// Measure implements Measurer.
func (c *ChromeDP) Measure(ctx context.Context, url string) models.Measurement {
	if err := ctx.Err(); err != nil {
		return models.Failedf("measurement cancelled: %v", err)
	}
	c.mu.Lock()
	browserCtx := c.browserCtx
	c.mu.Unlock()
	if browserCtx == nil {
		return models.Failed("chrome connection is closed")
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, c.cfg.Timeout)
	defer cancelTimeout()
	// Tie the tab to the caller so a hard stop aborts navigation.
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var raw map[string]any
	err := chromedp.Run(tabCtx,
		network.Enable(),
		network.SetCacheDisabled(true),
		c.emulation(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(vitalsInitScript).Do(ctx)
			return err
		}),
		chromedp.Navigate(url),
		chromedp.Sleep(c.cfg.Settle),
		chromedp.Evaluate(vitalsCollectScript, &raw),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.Failedf("measurement cancelled: %v", ctxErr)
		}
		return models.Failedf("chromedp: %v", err)
	}

	m := vitalsFromMap(raw).measurement(c.profile)
	c.logger.DebugContext(ctx, "page measured", "url", url, "ok", m.OK())
	return m
}

// Close closes the tab target and, for a local browser, the process.
func (c *ChromeDP) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserCtx == nil {
		return nil
	}
	c.cancelBrowser()
	c.cancelAlloc()
	c.browserCtx = nil
	return nil
}
