package models

import "sort"

// ComparisonKind identifies the shape of a Comparison.
type ComparisonKind string

const (
	ComparisonDelta       ComparisonKind = "delta"
	ComparisonUnavailable ComparisonKind = "unavailable"
)

// Comparison is the per-URL difference between a baseline and a candidate
// measurement. It is Unavailable when either side failed.
type Comparison struct {
	Kind  ComparisonKind `json:"kind"`
	Delta *Delta         `json:"delta,omitempty"`
}

// Delta holds candidate-minus-baseline differences.
type Delta struct {
	ScoreDiff   float64            `json:"score_diff"`
	MetricsDiff map[string]float64 `json:"metrics_diff,omitempty"`
	TimingsDiff map[string]float64 `json:"timings_diff,omitempty"`
	// Improved is ScoreDiff > 0. A zero difference is not an improvement.
	Improved bool `json:"improved"`
}

// Unavailable returns the comparison used when either side failed.
func Unavailable() Comparison {
	return Comparison{Kind: ComparisonUnavailable}
}

// NewDelta builds a Delta comparison and derives Improved from the score diff.
func NewDelta(scoreDiff float64, metrics, timings map[string]float64) Comparison {
	return Comparison{
		Kind: ComparisonDelta,
		Delta: &Delta{
			ScoreDiff:   scoreDiff,
			MetricsDiff: metrics,
			TimingsDiff: timings,
			Improved:    scoreDiff > 0,
		},
	}
}

// Available reports whether the comparison carries a delta.
func (c Comparison) Available() bool {
	return c.Kind == ComparisonDelta && c.Delta != nil
}

// ScoreDiff returns the score difference, or 0 when unavailable.
func (c Comparison) ScoreDiff() float64 {
	if !c.Available() {
		return 0
	}
	return c.Delta.ScoreDiff
}

// FeatureImpact records the comparisons taken while one feature was disabled.
type FeatureImpact struct {
	Feature     string                `json:"feature"`
	Comparisons map[string]Comparison `json:"comparisons"`
}

// URLs returns the compared URLs in sorted order.
func (fi FeatureImpact) URLs() []string {
	urls := make([]string, 0, len(fi.Comparisons))
	for url := range fi.Comparisons {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// TotalScoreDiff sums ScoreDiff over the available comparisons in URL order,
// so the result does not depend on map iteration. Unavailable comparisons
// contribute 0.
func (fi FeatureImpact) TotalScoreDiff() float64 {
	var total float64
	for _, url := range fi.URLs() {
		total += fi.Comparisons[url].ScoreDiff()
	}
	return total
}

// ImpactRecord is the append-only, processing-ordered list of feature impacts.
// It is serialized as a JSON array so the order survives a checkpoint.
type ImpactRecord []FeatureImpact

// Get returns the impact recorded for a feature.
func (r ImpactRecord) Get(feature string) (FeatureImpact, bool) {
	for _, impact := range r {
		if impact.Feature == feature {
			return impact, true
		}
	}
	return FeatureImpact{}, false
}

// Features returns the recorded feature identifiers in processing order.
func (r ImpactRecord) Features() []string {
	out := make([]string, len(r))
	for i, impact := range r {
		out[i] = impact.Feature
	}
	return out
}
