// Package measure probes page performance. Every backend reports failures as
// a failed models.Measurement rather than an error, so one bad URL never stops
// an experiment.
package measure

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/plugperf/pkg/models"
)

// Measurer probes one URL.
type Measurer interface {
	Measure(ctx context.Context, url string) models.Measurement
}

// Func adapts a function to Measurer.
type Func func(ctx context.Context, url string) models.Measurement

// Measure implements Measurer.
func (f Func) Measure(ctx context.Context, url string) models.Measurement {
	return f(ctx, url)
}

// Backend names accepted by Open.
const (
	BackendLighthouse = "lighthouse"
	BackendPlaywright = "playwright"
	BackendChromeDP   = "chromedp"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	FormFactor string
	Timeout    time.Duration
	// Settle is how long browser backends wait after load before reading
	// metrics, so late layout shifts and long tasks are observed.
	Settle time.Duration
	// Samples > 1 wraps the backend in a median sampler.
	Samples int

	Lighthouse LighthouseConfig
	Playwright PlaywrightConfig
	ChromeDP   ChromeDPConfig
}

// Open builds the configured backend. The returned close function releases
// browser processes and must be called once the experiment is done.
func Open(opts Options, logger *slog.Logger) (Measurer, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	noop := func() error { return nil }

	var (
		m       Measurer
		closeFn = noop
	)
	switch strings.ToLower(opts.Backend) {
	case "", BackendLighthouse:
		cfg := opts.Lighthouse
		if cfg.FormFactor == "" {
			cfg.FormFactor = opts.FormFactor
		}
		if cfg.Timeout == 0 {
			cfg.Timeout = opts.Timeout
		}
		m = NewLighthouse(cfg, logger)
	case BackendPlaywright:
		cfg := opts.Playwright
		if cfg.FormFactor == "" {
			cfg.FormFactor = opts.FormFactor
		}
		if cfg.Timeout == 0 {
			cfg.Timeout = opts.Timeout
		}
		if cfg.Settle == 0 {
			cfg.Settle = opts.Settle
		}
		pw, err := NewPlaywright(cfg, logger)
		if err != nil {
			return nil, noop, err
		}
		m, closeFn = pw, pw.Close
	case BackendChromeDP:
		cfg := opts.ChromeDP
		if cfg.FormFactor == "" {
			cfg.FormFactor = opts.FormFactor
		}
		if cfg.Timeout == 0 {
			cfg.Timeout = opts.Timeout
		}
		if cfg.Settle == 0 {
			cfg.Settle = opts.Settle
		}
		cdp, err := NewChromeDP(cfg, logger)
		if err != nil {
			return nil, noop, err
		}
		m, closeFn = cdp, cdp.Close
	default:
		return nil, noop, fmt.Errorf("unknown measurement backend %q", opts.Backend)
	}

	if opts.Samples > 1 {
		m = NewSampled(m, opts.Samples, logger)
	}
	return m, closeFn, nil
}

// Sampled measures a URL several times and reports the median of each value.
type Sampled struct {
	inner   Measurer
	samples int
	logger  *slog.Logger
}

// NewSampled wraps inner. samples below 1 is treated as 1.
func NewSampled(inner Measurer, samples int, logger *slog.Logger) *Sampled {
	if samples < 1 {
		samples = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampled{inner: inner, samples: samples, logger: logger}
}

// Measure runs the inner measurer up to the configured number of times. It
// fails only when every sample fails.
func (s *Sampled) Measure(ctx context.Context, url string) models.Measurement {
	var (
		ok       []*models.SuccessResult
		lastFail string
	)
	for i := 0; i < s.samples; i++ {
		if ctx.Err() != nil {
			break
		}
		m := s.inner.Measure(ctx, url)
		if m.OK() {
			ok = append(ok, m.Success)
			continue
		}
		lastFail = m.FailureReason()
		s.logger.DebugContext(ctx, "sample failed", "url", url, "sample", i+1, "reason", lastFail)
	}
	if len(ok) == 0 {
		if err := ctx.Err(); err != nil && lastFail == "" {
			return models.Failedf("measurement cancelled: %v", err)
		}
		return models.Failedf("all %d samples failed: %s", s.samples, lastFail)
	}

	scores := make([]float64, len(ok))
	metrics := make([]map[string]float64, len(ok))
	timings := make([]map[string]float64, len(ok))
	for i, r := range ok {
		scores[i] = r.Score
		metrics[i] = r.Metrics
		timings[i] = r.Timings
	}
	return models.Succeeded(median(scores), medianByKey(metrics), medianByKey(timings))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func medianByKey(samples []map[string]float64) map[string]float64 {
	byKey := make(map[string][]float64)
	for _, s := range samples {
		for k, v := range s {
			byKey[k] = append(byKey[k], v)
		}
	}
	if len(byKey) == 0 {
		return nil
	}
	out := make(map[string]float64, len(byKey))
	for k, vs := range byKey {
		out[k] = median(vs)
	}
	return out
}
