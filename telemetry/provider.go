package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

const (
	spanBatchTimeout = time.Second
	metricInterval   = 10 * time.Second
)

type exporters struct {
	spans   trace.SpanExporter
	metrics metric.Exporter
}

func newExporters(ctx context.Context, isDev bool) (exporters, error) {
	var (
		e   exporters
		err error
	)

	if isDev {
		if e.spans, err = stdouttrace.New(stdouttrace.WithPrettyPrint()); err != nil {
			return e, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		if e.metrics, err = stdoutmetric.New(); err != nil {
			return e, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		return e, nil
	}

	if e.spans, err = otlptracegrpc.New(ctx); err != nil {
		return e, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	if e.metrics, err = otlpmetricgrpc.New(ctx); err != nil {
		e.spans.Shutdown(ctx)
		return e, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}
	return e, nil
}

// install builds both providers and makes them the otel globals.
func install(res *resource.Resource, e exporters) (*trace.TracerProvider, *metric.MeterProvider) {
	tp := trace.NewTracerProvider(
		trace.WithBatcher(e.spans, trace.WithBatchTimeout(spanBatchTimeout)),
		trace.WithResource(res),
	)
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(e.metrics, metric.WithInterval(metricInterval))),
		metric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	return tp, mp
}
