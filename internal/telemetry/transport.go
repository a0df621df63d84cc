package telemetry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// HTTPMetricsMeterName is the name used for the engine API client meter
	HTTPMetricsMeterName = "github.com/stacklok/feed-preload/http"

	// TracerName is the name used for the engine API client tracer
	TracerName = "github.com/stacklok/feed-preload/http"

	// statusTransportError labels requests that never got a response
	statusTransportError = "error"
)

// HTTPMetrics holds the OpenTelemetry instruments for engine API requests
type HTTPMetrics struct {
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
}

// NewHTTPMetrics creates a new HTTPMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewHTTPMetrics(provider metric.MeterProvider) (*HTTPMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(HTTPMetricsMeterName)

	requestDuration, err := meter.Float64Histogram(
		"feed_preload_http_request_duration_seconds",
		metric.WithDescription("Duration of engine API requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	requestsTotal, err := meter.Int64Counter(
		"feed_preload_http_requests_total",
		metric.WithDescription("Total number of engine API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{
		requestDuration: requestDuration,
		requestsTotal:   requestsTotal,
	}, nil
}

// Transport wraps next so every request is counted and timed.
// If HTTPMetrics is nil, next is returned unchanged.
func (m *HTTPMetrics) Transport(next http.RoundTripper) http.RoundTripper {
	if m == nil {
		return next
	}

	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		ctx := r.Context()
		start := time.Now()

		resp, err := next.RoundTrip(r)

		status := statusTransportError
		if err == nil {
			status = strconv.Itoa(resp.StatusCode)
		}

		// Engine paths are fixed, so the raw path is a bounded label
		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.String("status_code", status),
		)
		m.requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		m.requestsTotal.Add(ctx, 1, attrs)

		return resp, err
	})
}

// TracingTransport returns a transport wrapper that creates a client span per request
// and injects W3C trace context into the outgoing headers.
// If provider is nil, the wrapper returns next unchanged.
func TracingTransport(provider trace.TracerProvider) func(http.RoundTripper) http.RoundTripper {
	if provider == nil {
		return func(next http.RoundTripper) http.RoundTripper {
			return next
		}
	}

	tracer := provider.Tracer(TracerName)

	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			ctx, span := tracer.Start(r.Context(), fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.ServerAddress(r.URL.Hostname()),
				),
			)
			defer span.End()

			// RoundTrippers must not modify the caller's request
			r = r.Clone(ctx)
			otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(r.Header))

			resp, err := next.RoundTrip(r)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return resp, err
			}

			span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
			if resp.StatusCode >= 400 {
				span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return resp, nil
		})
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
