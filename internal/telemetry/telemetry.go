package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry owns the tracer and meter providers of one run.
// With a textfile configured it also keeps a Prometheus registry that Shutdown flushes to disk.
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	registry     *prometheus.Registry
	textfilePath string
	flushOnce    sync.Once
}

// Option is a function that configures the telemetry setup
type Option func(*telemetryConfig)

type telemetryConfig struct {
	config      *Config
	version     string
	runID       string
	spanExports sdktrace.SpanExporter
}

// WithTelemetryConfig sets the telemetry configuration
func WithTelemetryConfig(cfg *Config) Option {
	return func(tc *telemetryConfig) {
		tc.config = cfg
	}
}

// WithVersion sets the service version used when the configuration leaves it empty
func WithVersion(version string) Option {
	return func(tc *telemetryConfig) {
		tc.version = version
	}
}

// WithRunID records the run ID as the service instance of every span and metric
func WithRunID(runID string) Option {
	return func(tc *telemetryConfig) {
		tc.runID = runID
	}
}

// WithTraceExporter sends spans to exporter instead of the OTLP collector
func WithTraceExporter(exporter sdktrace.SpanExporter) Option {
	return func(tc *telemetryConfig) {
		tc.spanExports = exporter
	}
}

// New creates the providers for one run. Disabled or missing configuration yields no-op providers.
// The caller must call Shutdown once the run is over.
func New(ctx context.Context, opts ...Option) (*Telemetry, error) {
	cfg := &telemetryConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.config == nil || !cfg.config.Enabled {
		slog.Debug("Telemetry disabled")
		return &Telemetry{
			tracerProvider: tracenoop.NewTracerProvider(),
			meterProvider:  metricnoop.NewMeterProvider(),
		}, nil
	}

	if err := cfg.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	version := cfg.config.ServiceVersion
	if version == "" {
		version = cfg.version
	}
	if version == "" {
		version = cfg.config.GetServiceVersion()
	}

	res, err := newRunResource(ctx, cfg.config.GetServiceName(), version, cfg.runID)
	if err != nil {
		return nil, err
	}
	settings := exportSettings{
		resource: res,
		endpoint: cfg.config.GetEndpoint(),
		insecure: cfg.config.Insecure,
	}
	if settings.insecure {
		slog.Warn("Telemetry configured with insecure connection - data will be transmitted over unencrypted HTTP")
	}

	t := &Telemetry{}
	t.tracerProvider, err = newTracerProvider(ctx, settings, cfg.config.Tracing, cfg.spanExports)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}

	if m := cfg.config.Metrics; m != nil && m.Enabled && m.TextfilePath != "" {
		t.registry = prometheus.NewRegistry()
		t.textfilePath = m.TextfilePath
	}

	var registerer prometheus.Registerer
	if t.registry != nil {
		registerer = t.registry
	}
	t.meterProvider, err = newMeterProvider(ctx, settings, cfg.config.Metrics, registerer)
	if err != nil {
		if tp, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
			_ = tp.Shutdown(ctx)
		}
		return nil, fmt.Errorf("failed to create meter provider: %w", err)
	}

	slog.Info("Telemetry initialized",
		"service_name", cfg.config.GetServiceName(),
		"service_version", version,
		"run_id", cfg.runID,
	)
	return t, nil
}

// TracerProvider returns the configured tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// MeterProvider returns the configured meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Tracer returns a named tracer from the tracer provider
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a named meter from the meter provider
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return t.meterProvider.Meter(name, opts...)
}

// WriteTextfile writes the current metric values to the configured textfile.
// It is a no-op when no textfile is configured.
func (t *Telemetry) WriteTextfile() error {
	if t.registry == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(t.textfilePath), 0o750); err != nil {
		return fmt.Errorf("failed to create metrics textfile directory: %w", err)
	}
	// WriteToTextfile writes to a temp file and renames it into place
	if err := prometheus.WriteToTextfile(t.textfilePath, t.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	slog.Debug("Metrics textfile written", "path", t.textfilePath)
	return nil
}

// Shutdown flushes the metrics textfile, then shuts down all telemetry providers.
// This method is safe to call multiple times.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	slog.Debug("Shutting down telemetry")

	var errs []error

	// The prometheus reader yields nothing once shut down, so only the first call writes
	t.flushOnce.Do(func() {
		if err := t.WriteTextfile(); err != nil {
			errs = append(errs, err)
		}
	})

	if tp, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := mp.Shutdown(ctx); err != nil && !errors.Is(err, sdkmetric.ErrReaderShutdown) {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}

	return errors.Join(errs...)
}
