// Package models provides the domain types shared by the plugperf experiment
// controller, its collaborators and the report writers.
//
// Results that have more than one legal shape follow a single convention:
//   - A Kind discriminator names the shape
//   - Exactly one payload pointer is non-nil for a given Kind
//   - New optional fields may be added, existing ones are never renamed
//
// This keeps failures a typed branch instead of a magic string mixed into
// ordinary result maps, and keeps checkpoints written by older builds readable.
package models

import (
	"fmt"
	"math"
	"sort"
)

// MeasurementKind identifies the shape of a Measurement.
type MeasurementKind string

const (
	MeasurementSuccess MeasurementKind = "success"
	MeasurementFailure MeasurementKind = "failure"
)

// Score bounds for a successful measurement.
const (
	MinScore = 0
	MaxScore = 100
)

// Measurement is the result of probing one URL at one point in time.
type Measurement struct {
	Kind MeasurementKind `json:"kind"`

	Success *SuccessResult `json:"success,omitempty"`
	Failure *FailureResult `json:"failure,omitempty"`
}

// SuccessResult carries the metrics bundle of a successful probe.
type SuccessResult struct {
	// Score is the overall performance score in [0,100].
	Score float64 `json:"score"`

	// Metrics holds named performance metrics (e.g. largest-contentful-paint).
	Metrics map[string]float64 `json:"metrics,omitempty"`

	// Timings holds raw navigation timings in milliseconds.
	Timings map[string]float64 `json:"timings,omitempty"`
}

// FailureResult explains why a probe produced no metrics.
type FailureResult struct {
	Reason string `json:"reason"`
}

// Succeeded builds a successful measurement. The score is clamped into
// [MinScore, MaxScore] and NaN scores become failures.
func Succeeded(score float64, metrics, timings map[string]float64) Measurement {
	if math.IsNaN(score) {
		return Failed("measurement produced a NaN score")
	}
	score = math.Max(MinScore, math.Min(MaxScore, score))
	return Measurement{
		Kind: MeasurementSuccess,
		Success: &SuccessResult{
			Score:   score,
			Metrics: copyFloats(metrics),
			Timings: copyFloats(timings),
		},
	}
}

// Failed builds a failed measurement.
func Failed(reason string) Measurement {
	if reason == "" {
		reason = "unknown failure"
	}
	return Measurement{
		Kind:    MeasurementFailure,
		Failure: &FailureResult{Reason: reason},
	}
}

// Failedf builds a failed measurement from a format string.
func Failedf(format string, args ...any) Measurement {
	return Failed(fmt.Sprintf(format, args...))
}

// OK reports whether the measurement is a well-formed success.
func (m Measurement) OK() bool {
	return m.Kind == MeasurementSuccess && m.Success != nil
}

// Score returns the score and whether the measurement succeeded.
func (m Measurement) Score() (float64, bool) {
	if !m.OK() {
		return 0, false
	}
	return m.Success.Score, true
}

// FailureReason returns the failure reason, or "" for a success.
func (m Measurement) FailureReason() string {
	if m.OK() {
		return ""
	}
	if m.Failure == nil {
		return "malformed measurement"
	}
	return m.Failure.Reason
}

// Validate checks the discriminator/payload invariant.
func (m Measurement) Validate() error {
	switch m.Kind {
	case MeasurementSuccess:
		if m.Success == nil || m.Failure != nil {
			return fmt.Errorf("success measurement must carry only a success payload")
		}
		if m.Success.Score < MinScore || m.Success.Score > MaxScore || math.IsNaN(m.Success.Score) {
			return fmt.Errorf("score %v outside [%d,%d]", m.Success.Score, MinScore, MaxScore)
		}
	case MeasurementFailure:
		if m.Failure == nil || m.Success != nil {
			return fmt.Errorf("failure measurement must carry only a failure payload")
		}
	default:
		return fmt.Errorf("unknown measurement kind %q", m.Kind)
	}
	return nil
}

// MeasurementSet maps each URL of the target set to its measurement for one pass.
type MeasurementSet map[string]Measurement

// URLs returns the set's keys in sorted order.
func (s MeasurementSet) URLs() []string {
	urls := make([]string, 0, len(s))
	for url := range s {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// Failures counts failed measurements in the set.
func (s MeasurementSet) Failures() int {
	n := 0
	for _, m := range s {
		if !m.OK() {
			n++
		}
	}
	return n
}

// Covers reports whether the set has exactly the given targets as keys.
func (s MeasurementSet) Covers(targets []string) bool {
	if len(s) != len(targets) {
		return false
	}
	for _, url := range targets {
		if _, ok := s[url]; !ok {
			return false
		}
	}
	return true
}

func copyFloats(in map[string]float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
