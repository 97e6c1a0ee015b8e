package measure

import (
	"math"
)

// Metric names shared by every backend.
const (
	MetricFCP         = "first-contentful-paint"
	MetricSpeedIndex  = "speed-index"
	MetricLCP         = "largest-contentful-paint"
	MetricTBT         = "total-blocking-time"
	MetricCLS         = "cumulative-layout-shift"
	MetricInteractive = "interactive"
)

// Timing names reported by browser backends, in milliseconds.
const (
	TimingTTFB             = "ttfb"
	TimingDOMContentLoaded = "dom-content-loaded"
	TimingLoad             = "load"
)

// inverseErfcOneFifth is erfc⁻¹(0.2): the standardized distance at which a
// log-normal curve scores 0.9.
const inverseErfcOneFifth = 0.9061938024368232

// Curve is a log-normal scoring curve given by the values that score 0.9
// (P10) and 0.5 (Median).
type Curve struct {
	P10    float64
	Median float64
}

// Score maps value onto [0,1]. Lower values score higher.
func (c Curve) Score(value float64) float64 {
	if c.P10 <= 0 || c.Median <= c.P10 {
		return 0
	}
	if value <= 0 {
		return 1
	}
	x := math.Log(value/c.Median) * inverseErfcOneFifth / math.Log(c.Median/c.P10)
	score := math.Erfc(x) / 2
	return math.Max(0, math.Min(1, score))
}

// Weighted is a metric curve and its weight in the overall score.
type Weighted struct {
	Curve  Curve
	Weight float64
}

// Profile is a scoring profile keyed by metric name.
type Profile map[string]Weighted

// MobileProfile uses the mobile control points and weights of the Lighthouse
// performance category.
var MobileProfile = Profile{
	MetricFCP:        {Curve{P10: 1800, Median: 3000}, 0.10},
	MetricSpeedIndex: {Curve{P10: 3387, Median: 5800}, 0.10},
	MetricLCP:        {Curve{P10: 2500, Median: 4000}, 0.25},
	MetricTBT:        {Curve{P10: 200, Median: 600}, 0.30},
	MetricCLS:        {Curve{P10: 0.1, Median: 0.25}, 0.25},
}

// DesktopProfile uses the desktop control points.
var DesktopProfile = Profile{
	MetricFCP:        {Curve{P10: 934, Median: 1600}, 0.10},
	MetricSpeedIndex: {Curve{P10: 1311, Median: 2300}, 0.10},
	MetricLCP:        {Curve{P10: 1200, Median: 2400}, 0.25},
	MetricTBT:        {Curve{P10: 150, Median: 350}, 0.30},
	MetricCLS:        {Curve{P10: 0.1, Median: 0.25}, 0.25},
}

// ProfileFor returns the profile for a form factor, defaulting to mobile.
func ProfileFor(formFactor string) Profile {
	if formFactor == "desktop" {
		return DesktopProfile
	}
	return MobileProfile
}

// Score computes a 0-100 score from whichever profile metrics are present.
// Weights are renormalized over the metrics found; ok is false when none are.
func (p Profile) Score(metrics map[string]float64) (score float64, ok bool) {
	var total, weights float64
	for name, w := range p {
		v, found := metrics[name]
		if !found || math.IsNaN(v) {
			continue
		}
		total += w.Curve.Score(v) * w.Weight
		weights += w.Weight
	}
	if weights == 0 {
		return 0, false
	}
	return math.Round(total/weights*1000) / 10, true
}
