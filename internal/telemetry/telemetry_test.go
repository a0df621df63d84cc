package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		opts             []Option
		expectNoOpTracer bool
		expectNoOpMeter  bool
		errorContains    string
	}{
		{
			name:             "returns no-op telemetry when no config provided",
			expectNoOpTracer: true,
			expectNoOpMeter:  true,
		},
		{
			name:             "returns no-op telemetry when disabled",
			opts:             []Option{WithTelemetryConfig(&Config{Enabled: false})},
			expectNoOpTracer: true,
			expectNoOpMeter:  true,
		},
		{
			name: "returns no-op providers when both tracing and metrics disabled",
			opts: []Option{
				WithTelemetryConfig(&Config{
					Enabled: true,
					Tracing: &TracingConfig{Enabled: false},
					Metrics: &MetricsConfig{Enabled: false},
				}),
			},
			expectNoOpTracer: true,
			expectNoOpMeter:  true,
		},
		{
			name: "returns SDK tracer with injected exporter",
			opts: []Option{
				WithTelemetryConfig(&Config{
					Enabled: true,
					Tracing: &TracingConfig{Enabled: true},
				}),
				WithTraceExporter(tracetest.NewInMemoryExporter()),
			},
			expectNoOpMeter: true,
		},
		{
			name: "returns error for invalid sampling",
			opts: []Option{
				WithTelemetryConfig(&Config{
					Enabled: true,
					Tracing: &TracingConfig{Enabled: true, Sampling: 1.5},
				}),
			},
			errorContains: "invalid telemetry configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			tel, err := New(ctx, tt.opts...)

			if tt.errorContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, tel)

			if tt.expectNoOpTracer {
				_, ok := tel.TracerProvider().(tracenoop.TracerProvider)
				assert.True(t, ok, "expected no-op tracer provider")
			} else {
				_, ok := tel.TracerProvider().(*sdktrace.TracerProvider)
				assert.True(t, ok, "expected SDK tracer provider")
			}

			if tt.expectNoOpMeter {
				_, ok := tel.MeterProvider().(noop.MeterProvider)
				assert.True(t, ok, "expected no-op meter provider")
			} else {
				_, ok := tel.MeterProvider().(*sdkmetric.MeterProvider)
				assert.True(t, ok, "expected SDK meter provider")
			}

			require.NoError(t, tel.Shutdown(ctx))
		})
	}
}

func TestTelemetry_Accessors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tel, err := New(ctx)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, tel.Shutdown(ctx))
	}()

	assert.NotNil(t, tel.TracerProvider())
	assert.NotNil(t, tel.MeterProvider())
	assert.NotNil(t, tel.Tracer("test-tracer"))
	assert.NotNil(t, tel.Meter("test-meter"))
	assert.NoError(t, tel.WriteTextfile(), "no textfile configured")
}

func TestTelemetry_RunResource(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	ctx := context.Background()
	tel, err := New(ctx,
		WithTelemetryConfig(&Config{Enabled: true, Tracing: &TracingConfig{Enabled: true}}),
		WithVersion("v0.4.0"),
		WithRunID("run-7"),
		WithTraceExporter(exporter),
	)
	require.NoError(t, err)

	_, span := tel.Tracer("test").Start(ctx, "run")
	span.End()
	require.NoError(t, tel.Shutdown(ctx))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	attrs := map[string]string{}
	for _, kv := range spans[0].Resource.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "v0.4.0", attrs["service.version"])
	assert.Equal(t, "run-7", attrs["service.instance.id"])
}

func TestTelemetry_Textfile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "collector", "feed_preload.prom")
	ctx := context.Background()

	tel, err := New(ctx, WithTelemetryConfig(&Config{
		Enabled: true,
		Metrics: &MetricsConfig{Enabled: true, DisableOTLP: true, TextfilePath: path},
	}))
	require.NoError(t, err)

	poll, err := NewPollMetrics(tel.MeterProvider())
	require.NoError(t, err)
	poll.RecordCycle(ctx, "Polling", 2, 5)
	poll.RecordWaitDuration(ctx, "Ready", 90*time.Second)

	require.NoError(t, tel.Shutdown(ctx))
	// A second shutdown must not truncate the file
	require.NoError(t, tel.Shutdown(ctx))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(content)
	assert.Contains(t, text, "feed_preload_poll_cycles_total")
	assert.Contains(t, text, "feed_preload_groups_synced")
	assert.Contains(t, text, "feed_preload_wait_duration_seconds")
}

func TestTelemetry_Shutdown(t *testing.T) {
	t.Parallel()

	t.Run("shutdown is idempotent for no-op telemetry", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		tel, err := New(ctx)
		require.NoError(t, err)

		require.NoError(t, tel.Shutdown(ctx))
		require.NoError(t, tel.Shutdown(ctx))
	})

	t.Run("shutdown both SDK providers succeeds", func(t *testing.T) {
		t.Parallel()

		// Accepts trace and metric exports
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()
		endpoint := strings.TrimPrefix(server.URL, "http://")

		ctx := context.Background()
		tel, err := New(ctx, WithTelemetryConfig(&Config{
			Enabled:  true,
			Endpoint: endpoint,
			Insecure: true,
			Tracing:  &TracingConfig{Enabled: true, Sampling: 1.0},
			Metrics:  &MetricsConfig{Enabled: true},
		}))
		require.NoError(t, err)

		_, okTracer := tel.TracerProvider().(*sdktrace.TracerProvider)
		assert.True(t, okTracer, "expected SDK tracer provider")
		_, okMeter := tel.MeterProvider().(*sdkmetric.MeterProvider)
		assert.True(t, okMeter, "expected SDK meter provider")

		require.NoError(t, tel.Shutdown(ctx))
	})
}

func TestOptions(t *testing.T) {
	t.Parallel()

	cfg := &Config{Enabled: true, ServiceName: "test"}
	exporter := tracetest.NewInMemoryExporter()

	tc := &telemetryConfig{}
	WithTelemetryConfig(cfg)(tc)
	WithVersion("1.0.0")(tc)
	WithRunID("run-1")(tc)
	WithTraceExporter(exporter)(tc)

	assert.Equal(t, cfg, tc.config)
	assert.Equal(t, "1.0.0", tc.version)
	assert.Equal(t, "run-1", tc.runID)
	assert.Same(t, exporter, tc.spanExports)
}
