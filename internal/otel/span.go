// Package otel provides span helpers shared by the wait and snapshot phases.
package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on run, wait and step spans.
const (
	AttrRunID          = attribute.Key("preload.run_id")
	AttrEngineURL      = attribute.Key("engine.url")
	AttrPollState      = attribute.Key("poll.state")
	AttrPollCycles     = attribute.Key("poll.cycles")
	AttrGroupsSynced   = attribute.Key("feed.groups_synced")
	AttrGroupsTotal    = attribute.Key("feed.groups_total")
	AttrStepName       = attribute.Key("step.name")
	AttrStepExitCode   = attribute.Key("step.exit_code")
	AttrContainerID    = attribute.Key("container.id")
	AttrImageReference = attribute.Key("image.reference")
)

// StartSpan starts a span on tracer. A nil tracer yields the span already in ctx (a no-op
// span when there is none), so callers never check whether tracing is configured.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// Span status descriptions. They stay generic so command lines and credentials never
// end up in span status; the exception event carries the details.
const (
	StatusFailed      = "operation failed"
	StatusInterrupted = "interrupted"
)

// RecordError records err on span and marks the span as failed, or as interrupted
// when err stems from a cancelled context. Nil spans and nil errors are ignored.
func RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)
	if errors.Is(err, context.Canceled) {
		span.SetStatus(codes.Error, StatusInterrupted)
		return
	}
	span.SetStatus(codes.Error, StatusFailed)
}
