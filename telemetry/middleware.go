package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// HTTPMetrics records request latency and concurrency. Routes are
// labelled by their chi pattern, not the raw path, so repository names
// do not become metric labels.
type HTTPMetrics struct {
	duration otelmetric.Int64Histogram
	inFlight otelmetric.Int64UpDownCounter
}

func NewHTTPMetrics(meter otelmetric.Meter) (*HTTPMetrics, error) {
	const (
		metricNameRequestDurationMs = "request_duration_millis"
		metricUnitRequestDurationMs = "ms"
		metricDescRequestDurationMs = "Measures the latency of HTTP requests processed by the server, in milliseconds."

		metricNameRequestInFlight = "request_in_flight"
		metricDescRequestInFlight = "Measures the number of concurrent HTTP requests being processed by the server."
		metricUnitRequestInFlight = "1"
	)

	histogram, err := meter.Int64Histogram(
		metricNameRequestDurationMs,
		otelmetric.WithDescription(metricDescRequestDurationMs),
		otelmetric.WithUnit(metricUnitRequestDurationMs),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create %s histogram: %w", metricNameRequestDurationMs, err)
	}

	counter, err := meter.Int64UpDownCounter(
		metricNameRequestInFlight,
		otelmetric.WithDescription(metricDescRequestInFlight),
		otelmetric.WithUnit(metricUnitRequestInFlight),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create %s counter: %w", metricNameRequestInFlight, err)
	}

	return &HTTPMetrics{duration: histogram, inFlight: counter}, nil
}

func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := otelmetric.WithAttributes(attribute.String("http.request.method", r.Method))

		m.inFlight.Add(r.Context(), 1, method)
		defer m.inFlight.Add(r.Context(), -1, method)

		startTime := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(startTime)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		m.duration.Record(r.Context(), duration.Milliseconds(),
			otelmetric.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
			),
		)
	})
}
