// Package trace wires OpenTelemetry tracing for the gateway. Spans
// from the instrumented backend transport export over OTLP/HTTP when an
// endpoint is configured.
package trace

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds exporter settings.
type Config struct {
	Endpoint string // host:port of the OTLP endpoint
	Insecure bool
}

type errorHandler struct {
	logger *slog.Logger
}

func (h errorHandler) Handle(err error) {
	h.logger.Warn("Tracing error", "error", err)
}

// Init installs the global tracer provider and returns its shutdown
// function.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	otel.SetErrorHandler(errorHandler{logger: logger})

	opts := []otlptracehttp.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("chainbridge")),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Tracer returns the gateway tracer.
func Tracer() trace.Tracer {
	return otel.Tracer("chainbridge")
}
