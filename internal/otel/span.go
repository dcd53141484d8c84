// Package otel provides OpenTelemetry instrumentation utilities for the annotation coordinator.
package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for business context used across the application.
// Using shared keys ensures consistent attribute naming in traces.
const (
	AttrImagePath   = attribute.Key("annotation.image_path")
	AttrPartCount   = attribute.Key("annotation.part_count")
	AttrCollection  = attribute.Key("annotation.collection")
	AttrQueueLength = attribute.Key("queue.length")
	AttrSkipped     = attribute.Key("queue.skipped")
	AttrStrategy    = attribute.Key("queue.strategy")
	AttrLockName    = attribute.Key("lock.name")
	AttrOutcome     = attribute.Key("coordinator.outcome")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns a no-op span.
// This provides graceful degradation when tracing is disabled.
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

// RecordError records an error on a span and sets the span status to error.
// Nil spans and nil errors are ignored. The status description stays generic
// so store addresses never reach the trace status; details live in the
// exception event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}

// RecordOutcome is RecordError for operations with caller-facing failures.
// An error matching one of expected (a lost race, an unknown image) is
// tagged on the span as an outcome and leaves the span status unset.
func RecordOutcome(span trace.Span, err error, expected ...error) {
	if err == nil || span == nil {
		return
	}
	for _, e := range expected {
		if errors.Is(err, e) {
			span.SetAttributes(AttrOutcome.String(e.Error()))
			return
		}
	}
	RecordError(span, err)
}
