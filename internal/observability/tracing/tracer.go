package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of every span the service starts.
const TracerName = "ratelimit-engine"

// Tracer returns the tracer of the current global provider.
//
//	ctx, span := tracing.Tracer().Start(ctx, "operation-name")
//	defer span.End()
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Config configures Init.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// SampleRatio is the fraction of root spans sampled. Spans with a
	// sampled remote parent are always kept.
	// Default: 1.0
	SampleRatio float64
}

// Init installs a global TracerProvider and the W3C trace context
// propagator. The returned function flushes and stops the provider.
//
// Without processors spans are still created, so trace IDs reach logs and
// the X-Trace-Id header, but nothing is exported.
func Init(cfg Config, processors ...sdktrace.SpanProcessor) func(context.Context) error {
	if cfg.SampleRatio <= 0 || cfg.SampleRatio > 1 {
		cfg.SampleRatio = 1.0
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = TracerName
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		)),
	}
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown
}
