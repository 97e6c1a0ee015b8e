package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects experiment progress and timing.
//
// Every Metrics owns its registry so that tests and repeated scheduled runs
// never collide on the default registerer. All methods are safe on a nil
// receiver, which lets collaborators treat metrics as optional.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.ObserveToggle("disable", time.Since(start))
//	metrics.RecordScoreDelta("jetpack", -4.5)
type Metrics struct {
	registry *prometheus.Registry

	// Iterations counts finished feature iterations.
	// Labels: outcome (completed|skipped|failed)
	Iterations *prometheus.CounterVec

	// MeasurementFailures counts failed URL measurements.
	// Labels: phase (baseline|candidate)
	MeasurementFailures *prometheus.CounterVec

	// ToggleDuration measures remote toggle latency in seconds.
	// Labels: action (disable|enable)
	ToggleDuration *prometheus.HistogramVec

	// PassDuration measures a full measurement pass in seconds.
	// Labels: phase (baseline|candidate)
	PassDuration *prometheus.HistogramVec

	// ScoreDelta is the summed score difference observed per feature.
	// Labels: feature
	ScoreDelta *prometheus.GaugeVec

	// CheckpointSaves counts checkpoint writes.
	// Labels: status (success|error)
	CheckpointSaves *prometheus.CounterVec

	// FeaturesTotal and FeaturesProcessed track cursor progress.
	FeaturesTotal     prometheus.Gauge
	FeaturesProcessed prometheus.Gauge
}

// NewMetrics creates and registers all metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Iterations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugperf_iterations_total",
				Help: "Feature iterations by outcome",
			},
			[]string{"outcome"},
		),

		MeasurementFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugperf_measurement_failures_total",
				Help: "Failed URL measurements by phase",
			},
			[]string{"phase"},
		),

		ToggleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugperf_toggle_duration_seconds",
				Help:    "Duration of remote feature toggles in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"action"},
		),

		PassDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugperf_measurement_pass_duration_seconds",
				Help:    "Duration of a measurement pass over all targets in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"phase"},
		),

		ScoreDelta: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plugperf_feature_score_delta",
				Help: "Summed performance score difference with the feature disabled",
			},
			[]string{"feature"},
		),

		CheckpointSaves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugperf_checkpoint_saves_total",
				Help: "Checkpoint writes by status",
			},
			[]string{"status"},
		),

		FeaturesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "plugperf_features_total",
			Help: "Number of features in the experiment",
		}),

		FeaturesProcessed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "plugperf_features_processed",
			Help: "Checkpoint cursor position",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IterationFinished records the outcome of one feature iteration.
func (m *Metrics) IterationFinished(outcome string) {
	if m == nil {
		return
	}
	m.Iterations.WithLabelValues(outcome).Inc()
}

// MeasurementFailed records a failed URL measurement.
func (m *Metrics) MeasurementFailed(phase string) {
	if m == nil {
		return
	}
	m.MeasurementFailures.WithLabelValues(phase).Inc()
}

// ObserveToggle records how long a toggle took.
func (m *Metrics) ObserveToggle(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToggleDuration.WithLabelValues(action).Observe(d.Seconds())
}

// ObservePass records how long a measurement pass took.
func (m *Metrics) ObservePass(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PassDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordScoreDelta sets the summed score delta for a feature.
func (m *Metrics) RecordScoreDelta(feature string, delta float64) {
	if m == nil {
		return
	}
	m.ScoreDelta.WithLabelValues(feature).Set(delta)
}

// CheckpointSaved counts a checkpoint write.
func (m *Metrics) CheckpointSaved(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CheckpointSaves.WithLabelValues(status).Inc()
}

// SetProgress updates the cursor gauges.
func (m *Metrics) SetProgress(processed, total int) {
	if m == nil {
		return
	}
	m.FeaturesProcessed.Set(float64(processed))
	m.FeaturesTotal.Set(float64(total))
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// WriteTextfile writes the current metric values in the node-exporter
// textfile collector format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
