package measure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/haasonsaas/plugperf/internal/backoff"
	"github.com/haasonsaas/plugperf/pkg/models"
)

// PlaywrightConfig configures the playwright backend.
type PlaywrightConfig struct {
	// FormFactor is "mobile" (default) or "desktop".
	FormFactor string
	Headless   bool
	// Install downloads the browser driver on first use.
	Install bool
	// Timeout bounds navigation. Defaults to 60s.
	Timeout time.Duration
	// Settle is the wait after load before metrics are read. Defaults to 2s.
	Settle    time.Duration
	UserAgent string
}

// Playwright measures pages in a Chromium instance driven by playwright. Each
// measurement uses a fresh browser context so caches and cookies never carry
// over between passes.
type Playwright struct {
	cfg     PlaywrightConfig
	profile Profile
	logger  *slog.Logger

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	closed  bool
}

// NewPlaywright starts playwright and launches Chromium.
func NewPlaywright(cfg PlaywrightConfig, logger *slog.Logger) (*Playwright, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Install {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}, Verbose: false}); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
		Timeout:  playwright.Float(float64(cfg.Timeout.Milliseconds())),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Playwright{
		cfg:     cfg,
		profile: ProfileFor(cfg.FormFactor),
		logger:  logger.With("backend", BackendPlaywright),
		pw:      pw,
		browser: browser,
	}, nil
}

func (p *Playwright) contextOptions() playwright.BrowserNewContextOptions {
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if p.cfg.FormFactor == "desktop" {
		opts.Viewport = &playwright.Size{Width: 1350, Height: 940}
	} else {
		opts.Viewport = &playwright.Size{Width: 412, Height: 823}
		opts.IsMobile = playwright.Bool(true)
		opts.HasTouch = playwright.Bool(true)
		opts.DeviceScaleFactor = playwright.Float(1.75)
	}
	if p.cfg.UserAgent != "" {
		opts.UserAgent = playwright.String(p.cfg.UserAgent)
	}
	return opts
}

// Measure implements Measurer.
func (p *Playwright) Measure(ctx context.Context, url string) models.Measurement {
	if err := ctx.Err(); err != nil {
		return models.Failedf("measurement cancelled: %v", err)
	}
	p.mu.Lock()
	browser, closed := p.browser, p.closed
	p.mu.Unlock()
	if closed || browser == nil {
		return models.Failed("playwright browser is closed")
	}

	bctx, err := browser.NewContext(p.contextOptions())
	if err != nil {
		return models.Failedf("failed to create browser context: %v", err)
	}
	defer bctx.Close()

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(vitalsInitScript)}); err != nil {
		return models.Failedf("install vitals observer: %v", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		return models.Failedf("failed to create page: %v", err)
	}
	page.SetDefaultTimeout(float64(p.cfg.Timeout.Milliseconds()))

	resp, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(p.cfg.Timeout.Milliseconds())),
	})
	if err != nil {
		return models.Failedf("navigation failed: %v", err)
	}
	if resp != nil && resp.Status() >= 400 {
		return models.Failedf("page returned HTTP %d", resp.Status())
	}

	if err := backoff.SleepWithContext(ctx, p.cfg.Settle); err != nil {
		return models.Failedf("measurement cancelled: %v", err)
	}

	result, err := page.Evaluate(vitalsCollectScript)
	if err != nil {
		return models.Failedf("collect metrics: %v", err)
	}
	raw, ok := result.(map[string]any)
	if !ok {
		return models.Failedf("collect metrics: unexpected result %T", result)
	}
	m := vitalsFromMap(raw).measurement(p.profile)
	p.logger.DebugContext(ctx, "page measured", "url", url, "ok", m.OK())
	return m
}

// Close shuts down the browser and playwright.
func (p *Playwright) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.browser != nil {
		_ = p.browser.Close()
	}
	if p.pw != nil {
		if err := p.pw.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
	}
	return nil
}
