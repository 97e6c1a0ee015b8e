package measure

import (
	"fmt"
	"math"

	"github.com/haasonsaas/plugperf/pkg/models"
)

// vitalsInitScript runs before any page script and records paint, layout
// shift and long task entries as they happen.
const vitalsInitScript = `(() => {
  const v = window.__plugperf = { lcp: 0, cls: 0, longTasks: [] };
  const observe = (type, fn) => {
    try {
      new PerformanceObserver((list) => list.getEntries().forEach(fn)).observe({ type, buffered: true });
    } catch (e) {}
  };
  observe('largest-contentful-paint', (e) => { v.lcp = e.renderTime || e.loadTime || e.startTime; });
  observe('layout-shift', (e) => { if (!e.hadRecentInput) v.cls += e.value; });
  observe('longtask', (e) => { v.longTasks.push([e.startTime, e.duration]); });
})();`

// vitalsCollectScript returns the recorded values as a plain object.
const vitalsCollectScript = `(() => {
  const v = window.__plugperf || { lcp: 0, cls: 0, longTasks: [] };
  const nav = performance.getEntriesByType('navigation')[0] || {};
  const fcpEntry = performance.getEntriesByName('first-contentful-paint')[0];
  const fcp = fcpEntry ? fcpEntry.startTime : 0;
  let tbt = 0;
  for (const [start, duration] of v.longTasks) {
    if (start >= fcp && duration > 50) tbt += duration - 50;
  }
  return {
    fcp: fcp,
    lcp: v.lcp,
    cls: v.cls,
    tbt: tbt,
    ttfb: nav.responseStart || 0,
    dcl: nav.domContentLoadedEventEnd || 0,
    load: nav.loadEventEnd || 0,
    status: nav.responseStatus || 0
  };
})()`

// vitals is the object returned by vitalsCollectScript.
type vitals struct {
	FCP    float64 `json:"fcp"`
	LCP    float64 `json:"lcp"`
	CLS    float64 `json:"cls"`
	TBT    float64 `json:"tbt"`
	TTFB   float64 `json:"ttfb"`
	DCL    float64 `json:"dcl"`
	Load   float64 `json:"load"`
	Status float64 `json:"status"`
}

func vitalsFromMap(raw map[string]any) vitals {
	get := func(key string) float64 {
		switch n := raw[key].(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case int64:
			return float64(n)
		}
		return 0
	}
	return vitals{
		FCP:    get("fcp"),
		LCP:    get("lcp"),
		CLS:    get("cls"),
		TBT:    get("tbt"),
		TTFB:   get("ttfb"),
		DCL:    get("dcl"),
		Load:   get("load"),
		Status: get("status"),
	}
}

// measurement scores v against profile. A page that never painted is a
// failure.
func (v vitals) measurement(profile Profile) models.Measurement {
	if v.Status >= 400 {
		return models.Failedf("page returned HTTP %d", int(v.Status))
	}
	if v.FCP <= 0 {
		return models.Failed("page never reached first contentful paint")
	}

	metrics := map[string]float64{
		MetricFCP: round1(v.FCP),
		MetricTBT: round1(v.TBT),
		MetricCLS: math.Round(v.CLS*1e4) / 1e4,
	}
	if v.LCP > 0 {
		metrics[MetricLCP] = round1(v.LCP)
	}
	timings := make(map[string]float64, 3)
	for name, value := range map[string]float64{TimingTTFB: v.TTFB, TimingDOMContentLoaded: v.DCL, TimingLoad: v.Load} {
		if value > 0 {
			timings[name] = round1(value)
		}
	}

	score, ok := profile.Score(metrics)
	if !ok {
		return models.Failed(fmt.Sprintf("no scorable metrics in %v", metrics))
	}
	return models.Succeeded(score, metrics, timings)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
