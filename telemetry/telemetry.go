// Package telemetry exports the server's traces and metrics. Code that
// is instrumented asks otel.Tracer and otel.Meter for its instruments,
// which are no-ops until Setup installs real providers.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Telemetry struct {
	tp *trace.TracerProvider
	mp *metric.MeterProvider
}

// Setup installs global providers. In dev mode spans and metrics are
// printed to stdout, otherwise they go to an OTLP/gRPC collector as
// configured by the OTEL_EXPORTER_OTLP_* variables.
func Setup(ctx context.Context, serviceName, serviceVersion string, isDev bool) (*Telemetry, error) {
	e, err := newExporters(ctx, isDev)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	tp, mp := install(res, e)
	return &Telemetry{tp: tp, mp: mp}, nil
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}
