// Package observability provides the logging, metrics and tracing used by
// plugperf.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts secrets (SSH
// passwords, private keys, LLM API keys) and attaches run_id, phase and
// feature from the context:
//
//	ctx = observability.WithRunID(ctx, state.RunID)
//	logger.InfoContext(ctx, "baseline captured", "targets", len(targets))
//
// # Metrics
//
// Metrics owns a private Prometheus registry. It can be served over HTTP
// while an experiment runs (Serve) or written once to a node-exporter
// textfile when the run ends (WriteTextfile).
//
// # Tracing
//
// Tracer emits one span per controller phase and one per feature iteration.
// When no OTLP endpoint is configured spans are non-recording.
package observability
