// Package telemetry sets up OpenTelemetry tracing and trace-aware logging.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName identifies this process in traces.
const ServiceName = "docker-socket-proxy"

// Tracing owns the tracer used for forwarded calls and its shutdown.
type Tracing struct {
	Tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Shutdown flushes and stops the exporter, if any.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}

// Setup configures tracing from OTEL_TRACES_EXPORTER: "none" (default),
// "console" (JSON spans on stdout) or "otlp" (configured by the standard
// OTEL_EXPORTER_OTLP_* variables).
func Setup(ctx context.Context, serviceVersion string) (*Tracing, error) {
	return setup(ctx, os.Getenv("OTEL_TRACES_EXPORTER"), serviceVersion, os.Stdout)
}

func setup(ctx context.Context, exporter, serviceVersion string, console io.Writer) (*Tracing, error) {
	if exporter == "" || exporter == "none" {
		return &Tracing{Tracer: noop.NewTracerProvider().Tracer(ServiceName)}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	switch exporter {
	case "console":
		spanExporter, err = stdouttrace.New(stdouttrace.WithWriter(console))
	case "otlp":
		spanExporter, err = otlptracehttp.New(ctx)
	default:
		return nil, errors.New("telemetry: unsupported OTEL_TRACES_EXPORTER value: " + exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s exporter: %w", exporter, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracing{
		Tracer:   tp.Tracer(ServiceName),
		shutdown: tp.Shutdown,
	}, nil
}
