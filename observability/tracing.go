package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer is the interface for distributed tracing
type Tracer interface {
	// Start creates a new span and context
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)

	// Extract extracts trace context from a string map such as message attributes
	Extract(ctx context.Context, carrier map[string]string) context.Context

	// Inject writes the trace context of ctx into a string map
	Inject(ctx context.Context, carrier map[string]string)

	// Shutdown flushes and stops the tracer provider
	Shutdown(ctx context.Context) error
}

// TracingConfig contains configuration for tracing
type TracingConfig struct {
	// Enabled determines if tracing is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ServiceName is the name reported on every span
	ServiceName string `json:"service_name" yaml:"service_name" validate:"required_if=Enabled true"`

	// ServiceVersion is the version of the service
	ServiceVersion string `json:"service_version" yaml:"service_version"`

	// Endpoint is the OTLP/HTTP collector endpoint (host:port)
	Endpoint string `json:"endpoint" yaml:"endpoint" validate:"required_if=Enabled true"`

	// Insecure disables TLS towards the collector
	Insecure bool `json:"insecure" yaml:"insecure"`

	// Headers are the headers to include in OTLP requests
	Headers map[string]string `json:"headers" yaml:"headers"`

	// SamplingRate is the sampling rate (0.0 to 1.0)
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" validate:"min=0,max=1"`
}

// DefaultTracingConfig returns the default tracing configuration
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:      false,
		Endpoint:     "localhost:4318",
		Insecure:     true,
		SamplingRate: 1.0,
	}
}

type otelTracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	shutdown   func(context.Context) error
}

// NewTracer creates a no-op tracer that still propagates W3C trace context
func NewTracer() Tracer {
	return &otelTracer{
		tracer:     noop.NewTracerProvider().Tracer(""),
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		shutdown:   func(context.Context) error { return nil },
	}
}

// NewTracerWithConfig creates a tracer exporting spans over OTLP/HTTP when
// enabled, and a no-op tracer otherwise.
func NewTracerWithConfig(config TracingConfig) (Tracer, error) {
	if !config.Enabled {
		return NewTracer(), nil
	}

	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(config.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagator)

	return &otelTracer{
		tracer:     provider.Tracer(config.ServiceName, trace.WithInstrumentationVersion(config.ServiceVersion)),
		propagator: propagator,
		shutdown:   provider.Shutdown,
	}, nil
}

func (t *otelTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

func (t *otelTracer) Extract(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return t.propagator.Extract(ctx, propagation.MapCarrier(carrier))
}

func (t *otelTracer) Inject(ctx context.Context, carrier map[string]string) {
	t.propagator.Inject(ctx, propagation.MapCarrier(carrier))
}

func (t *otelTracer) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}
