// Package telemetry provides OpenTelemetry instrumentation for feed-preload.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// PollMetricsMeterName is the name used for the readiness poll metrics meter
	PollMetricsMeterName = "github.com/stacklok/feed-preload/poll"

	// StepMetricsMeterName is the name used for the snapshot step metrics meter
	StepMetricsMeterName = "github.com/stacklok/feed-preload/steps"
)

// PollMetrics holds the OpenTelemetry instruments for the readiness poll loop
type PollMetrics struct {
	cycles       metric.Int64Counter
	groupsSynced metric.Int64Gauge
	groupsTotal  metric.Int64Gauge
	waitDuration metric.Float64Histogram
}

// NewPollMetrics creates a new PollMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewPollMetrics(provider metric.MeterProvider) (*PollMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(PollMetricsMeterName)

	cycles, err := meter.Int64Counter(
		"feed_preload_poll_cycles_total",
		metric.WithDescription("Number of feed status poll cycles by resulting state"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	groupsSynced, err := meter.Int64Gauge(
		"feed_preload_groups_synced",
		metric.WithDescription("Number of feed groups that have synced at least once"),
		metric.WithUnit("{group}"),
	)
	if err != nil {
		return nil, err
	}

	groupsTotal, err := meter.Int64Gauge(
		"feed_preload_groups_total",
		metric.WithDescription("Number of feed groups reported by the engine"),
		metric.WithUnit("{group}"),
	)
	if err != nil {
		return nil, err
	}

	waitDuration, err := meter.Float64Histogram(
		"feed_preload_wait_duration_seconds",
		metric.WithDescription("Duration of the feed sync wait in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(30, 60, 300, 600, 1200, 1800, 3600, 7200, 18000),
	)
	if err != nil {
		return nil, err
	}

	return &PollMetrics{
		cycles:       cycles,
		groupsSynced: groupsSynced,
		groupsTotal:  groupsTotal,
		waitDuration: waitDuration,
	}, nil
}

// RecordCycle records one poll cycle and the group counts it observed
func (m *PollMetrics) RecordCycle(ctx context.Context, state string, synced, total int) {
	if m == nil {
		return
	}

	m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	m.groupsSynced.Record(ctx, int64(synced))
	m.groupsTotal.Record(ctx, int64(total))
}

// RecordWaitDuration records how long the wait took and how it ended
func (m *PollMetrics) RecordWaitDuration(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil || m.waitDuration == nil {
		return
	}

	m.waitDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// StepMetrics holds the OpenTelemetry instruments for snapshot steps
type StepMetrics struct {
	stepDuration metric.Float64Histogram
}

// NewStepMetrics creates a new StepMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewStepMetrics(provider metric.MeterProvider) (*StepMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(StepMetricsMeterName)

	stepDuration, err := meter.Float64Histogram(
		"feed_preload_step_duration_seconds",
		metric.WithDescription("Duration of snapshot steps in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, err
	}

	return &StepMetrics{
		stepDuration: stepDuration,
	}, nil
}

// RecordStepDuration records the duration of a single step
func (m *StepMetrics) RecordStepDuration(ctx context.Context, step string, duration time.Duration, success bool) {
	if m == nil || m.stepDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("step", step),
		attribute.Bool("success", success),
	}

	m.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}
