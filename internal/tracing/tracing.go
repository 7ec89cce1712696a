package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporters
const (
	ExporterStdout = "stdout"
)

// Options configures the tracer provider
type Options struct {
	ServiceName string
	Exporter    string
	// SampleRatio is the fraction of root spans kept, between 0 and 1
	SampleRatio float64
}

// NewProvider builds a batching tracer provider that exports spans as JSON to w
func NewProvider(opts Options, w io.Writer) (*sdktrace.TracerProvider, error) {
	if opts.Exporter != ExporterStdout {
		return nil, fmt.Errorf("unknown trace exporter %q", opts.Exporter)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", opts.ServiceName))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	), nil
}

// Install registers tp as the global provider and returns a function that flushes and stops it
func Install(tp *sdktrace.TracerProvider) func(ctx context.Context) error {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown
}
