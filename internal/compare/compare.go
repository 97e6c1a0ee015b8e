// Package compare computes per-URL performance deltas between a baseline
// measurement pass and a candidate pass.
package compare

import (
	"fmt"

	"github.com/haasonsaas/plugperf/pkg/models"
)

// Compare returns the comparison for every URL of baseline.
//
// A URL compares as Unavailable when either side is a failure. Otherwise the
// score, metrics and timings are diffed as candidate minus baseline, and only
// keys present on both sides appear in the metric and timing diffs.
//
// baseline and candidate must cover the same URLs. A mismatch is a
// programming error and panics.
func Compare(baseline, candidate models.MeasurementSet) map[string]models.Comparison {
	MustMatch(baseline, candidate)

	out := make(map[string]models.Comparison, len(baseline))
	for url, base := range baseline {
		out[url] = One(base, candidate[url])
	}
	return out
}

// One compares a single baseline/candidate pair.
func One(base, cand models.Measurement) models.Comparison {
	if !base.OK() || !cand.OK() {
		return models.Unavailable()
	}
	return models.NewDelta(
		cand.Success.Score-base.Success.Score,
		diffShared(base.Success.Metrics, cand.Success.Metrics),
		diffShared(base.Success.Timings, cand.Success.Timings),
	)
}

// MustMatch panics unless both sets have identical key sets.
func MustMatch(baseline, candidate models.MeasurementSet) {
	if len(baseline) != len(candidate) {
		panic(fmt.Sprintf("compare: baseline has %d urls, candidate has %d", len(baseline), len(candidate)))
	}
	for url := range baseline {
		if _, ok := candidate[url]; !ok {
			panic(fmt.Sprintf("compare: candidate is missing %q", url))
		}
	}
}

func diffShared(base, cand map[string]float64) map[string]float64 {
	if len(base) == 0 || len(cand) == 0 {
		return nil
	}
	var out map[string]float64
	for key, b := range base {
		c, ok := cand[key]
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]float64)
		}
		out[key] = c - b
	}
	return out
}
