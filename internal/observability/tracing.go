package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "plugperf"

// TraceConfig selects the OTLP collector that receives run spans.
// An empty Endpoint keeps tracing off.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	SamplingRate   float64
	Attributes     map[string]string
	EnableInsecure bool
}

// Tracer emits one span per experiment phase, per visited feature and per
// summary request. The zero value and a nil *Tracer both emit nothing.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// NewTracer builds a Tracer and the shutdown func that flushes pending spans.
// Exporter setup failures degrade to the global no-op provider so a broken
// collector never aborts a run.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	disabled := &Tracer{tracer: otel.Tracer(name), serviceName: name}
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return disabled, noop
	}

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.EnableInsecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return disabled, noop
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(resourceAttrs(name, cfg)...))
	if err != nil {
		res = resource.Default()
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(provider)
	return &Tracer{tracer: provider.Tracer(name), serviceName: name}, provider.Shutdown
}

func resourceAttrs(name string, cfg TraceConfig) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("service.name", name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// samplerFor treats 0 as "unset" and samples everything.
func samplerFor(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

func (t *Tracer) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// TracePhase opens the span covering a controller phase such as
// BASELINE_CAPTURE.
func (t *Tracer) TracePhase(ctx context.Context, phase string) (context.Context, trace.Span) {
	return t.start(ctx, "phase."+phase, trace.SpanKindInternal,
		attribute.String("experiment.phase", phase))
}

// TraceFeature opens the span for one disable/measure/restore iteration.
func (t *Tracer) TraceFeature(ctx context.Context, feature string, index int) (context.Context, trace.Span) {
	return t.start(ctx, "feature.iteration", trace.SpanKindInternal,
		attribute.String("feature.id", feature),
		attribute.Int("feature.index", index))
}

// TraceSummarize opens a client span around an LLM summary request.
func (t *Tracer) TraceSummarize(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.start(ctx, "llm."+provider, trace.SpanKindClient,
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model))
}

// RecordError marks span as failed. Nil errors and spans are ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the active trace ID in ctx, or "" outside a sampled span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
