// Package format renders scores, deltas and metric values for reports.
package format

import (
	"fmt"
	"math"
	"strings"
)

// DurationMs formats milliseconds as "Xms" below one second and as seconds
// with up to two decimals above. Returns "unknown" for non-finite values.
func DurationMs(ms float64) string {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return "unknown"
	}
	if math.Abs(ms) < 1000 {
		return fmt.Sprintf("%.0fms", ms)
	}
	return trimTrailingZeros(fmt.Sprintf("%.2f", ms/1000)) + "s"
}

// SignedDurationMs is DurationMs with an explicit sign, for diffs.
func SignedDurationMs(ms float64) string {
	if ms > 0 {
		return "+" + DurationMs(ms)
	}
	return DurationMs(ms)
}

// Score formats a score with one decimal.
func Score(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "unknown"
	}
	return trimTrailingZeros(fmt.Sprintf("%.1f", v))
}

// Delta formats a score difference with an explicit sign.
func Delta(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "unknown"
	}
	s := Score(v)
	if v > 0 {
		return "+" + s
	}
	if s == "-0" {
		return "0"
	}
	return s
}

// unitless metrics are plain ratios or counts rather than milliseconds.
var unitless = map[string]bool{
	"cumulative-layout-shift": true,
	"cls":                     true,
}

// Metric formats a metric value by name. Timing metrics are rendered as
// durations; layout shift is rendered as a plain number.
func Metric(name string, value float64, signed bool) string {
	if unitless[strings.ToLower(name)] {
		s := trimTrailingZeros(fmt.Sprintf("%.3f", value))
		if signed && value > 0 {
			return "+" + s
		}
		return s
	}
	if signed {
		return SignedDurationMs(value)
	}
	return DurationMs(value)
}

// trimTrailingZeros removes trailing zeros after the decimal point.
// e.g., "1.50" -> "1.5", "2.00" -> "2"
func trimTrailingZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
