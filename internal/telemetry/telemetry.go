// Package telemetry owns the tracer provider handle. It is constructed
// once in main and shut down on exit; the bus client picks the propagator
// up globally for header injection.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"starlane-server/internal/bus"
)

const tracerName = "starlane-server"

// Telemetry is the explicit handle threaded from main.
type Telemetry struct {
	provider *sdktrace.TracerProvider
}

// New configures an OTLP gRPC exporter (endpoint from the standard
// OTEL_EXPORTER_OTLP_* environment) and installs the global tracer
// provider and textmap propagator.
func New(ctx context.Context, serviceName string) (*Telemetry, error) {
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return &Telemetry{provider: provider}, nil
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// Traced wraps a bus handler in a span named after the operation. Applied
// at subscription-registration time.
func Traced(name string, handler bus.Handler) bus.Handler {
	return func(ctx context.Context, subject string, payload []byte) []byte {
		tracer := otel.GetTracerProvider().Tracer(tracerName)
		ctx, span := tracer.Start(ctx, name)
		defer span.End()
		span.SetAttributes(
			attribute.String("bus.subject", subject),
			attribute.Int("bus.payload_length", len(payload)),
		)
		return handler(ctx, subject, payload)
	}
}
