package format

import (
	"math"
	"testing"
)

func TestDurationMs(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0ms"},
		{250, "250ms"},
		{999.4, "999ms"},
		{1000, "1s"},
		{1500, "1.5s"},
		{2350, "2.35s"},
		{-1200, "-1.2s"},
		{math.NaN(), "unknown"},
		{math.Inf(1), "unknown"},
	}
	for _, tt := range tests {
		if got := DurationMs(tt.in); got != tt.want {
			t.Errorf("DurationMs(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDelta(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{10, "+10"},
		{2.26, "+2.3"},
		{-5, "-5"},
		{0, "0"},
		{-0.01, "0"},
	}
	for _, tt := range tests {
		if got := Delta(tt.in); got != tt.want {
			t.Errorf("Delta(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMetric(t *testing.T) {
	tests := []struct {
		name   string
		value  float64
		signed bool
		want   string
	}{
		{"largest-contentful-paint", 2500, false, "2.5s"},
		{"largest-contentful-paint", -120, true, "-120ms"},
		{"total-blocking-time", 80, true, "+80ms"},
		{"cumulative-layout-shift", 0.125, false, "0.125"},
		{"cumulative-layout-shift", 0.05, true, "+0.05"},
	}
	for _, tt := range tests {
		if got := Metric(tt.name, tt.value, tt.signed); got != tt.want {
			t.Errorf("Metric(%q, %v, %v) = %q, want %q", tt.name, tt.value, tt.signed, got, tt.want)
		}
	}
}
