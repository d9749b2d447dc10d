// Package observability initializes OpenTelemetry tracing for the mesh
// core and provides the span helper used around message and task
// dispatch.
package observability

import (
	"context"
	"fmt"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName identifies this service in traces.
const DefaultServiceName = "agentmesh"

var (
	mu             sync.Mutex
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer = noop.NewTracerProvider().Tracer("")
)

// Config holds tracing configuration.
type Config struct {
	// ServiceName defaults to "agentmesh".
	ServiceName string

	// Exporter selects "stdout" or "none". Default "none".
	Exporter string
}

// Init sets up the global tracer. Safe to call once per process.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	switch cfg.Exporter {
	case "", "none":
		return nil
	case "stdout":
	default:
		return fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("create stdout exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		))
	if err != nil {
		return fmt.Errorf("build resource: %w", err)
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = tracerProvider.Tracer(cfg.ServiceName)

	return nil
}

// Shutdown flushes pending spans.
func Shutdown(ctx context.Context) {
	mu.Lock()
	tp := tracerProvider
	mu.Unlock()

	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("[Observability] tracer shutdown: %v", err)
		}
	}
}

// StartSpan begins a span on the configured tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	mu.Lock()
	t := tracer
	mu.Unlock()
	return t.Start(ctx, name, opts...)
}
