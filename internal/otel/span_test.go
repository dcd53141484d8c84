package otel

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

var (
	errLockHeld     = errors.New("resource is locked by another operation")
	errImageUnknown = errors.New("image not found")
)

func recordingTracer(t *testing.T) (*tracetest.InMemoryExporter, trace.Tracer) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, tp.Tracer("coordinator-test")
}

func attr(span tracetest.SpanStub, key string) (string, bool) {
	for _, a := range span.Attributes {
		if string(a.Key) == key {
			return a.Value.Emit(), true
		}
	}
	return "", false
}

func hasException(span tracetest.SpanStub) bool {
	for _, event := range span.Events {
		if event.Name == "exception" {
			return true
		}
	}
	return false
}

func TestStartSpan(t *testing.T) {
	t.Parallel()

	t.Run("tracing disabled", func(t *testing.T) {
		t.Parallel()

		ctx, span := StartSpan(context.Background(), nil, "coordinator.Claim")
		require.NotNil(t, ctx)
		assert.False(t, span.SpanContext().IsValid())
		assert.NotPanics(t, func() { span.End() })
	})

	t.Run("records name and attributes", func(t *testing.T) {
		t.Parallel()

		exporter, tracer := recordingTracer(t)
		_, span := StartSpan(context.Background(), tracer, "coordinator.Save",
			trace.WithAttributes(
				AttrImagePath.String("boats/0001.jpg"),
				AttrPartCount.Int(3),
			),
		)
		assert.True(t, span.SpanContext().IsValid())
		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, "coordinator.Save", spans[0].Name)
		path, _ := attr(spans[0], "annotation.image_path")
		assert.Equal(t, "boats/0001.jpg", path)
		count, _ := attr(spans[0], "annotation.part_count")
		assert.Equal(t, "3", count)
	})
}

func TestRecordError(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { RecordError(nil, errLockHeld) })

	exporter, tracer := recordingTracer(t)

	_, ok := tracer.Start(context.Background(), "coordinator.Initialize")
	RecordError(ok, nil)
	ok.End()

	_, failed := tracer.Start(context.Background(), "coordinator.Reload")
	RecordError(failed, errors.New("dial tcp 10.0.0.7:6379: connection refused"))
	failed.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	assert.Equal(t, codes.Unset, spans[0].Status.Code)
	assert.Empty(t, spans[0].Events)

	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "operation failed", spans[1].Status.Description, "store address stays out of the status")
	assert.True(t, hasException(spans[1]))
}

func TestRecordOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		wantStatus  codes.Code
		wantOutcome string
	}{
		{name: "success", err: nil, wantStatus: codes.Unset},
		{name: "lost race", err: fmt.Errorf("%w: lock:boats/1.jpg", errLockHeld), wantStatus: codes.Unset, wantOutcome: errLockHeld.Error()},
		{name: "unknown image", err: errImageUnknown, wantStatus: codes.Unset, wantOutcome: errImageUnknown.Error()},
		{name: "store failure", err: errors.New("state blob missing"), wantStatus: codes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			exporter, tracer := recordingTracer(t)
			_, span := tracer.Start(context.Background(), "coordinator.UpdateQuality")
			RecordOutcome(span, tt.err, errLockHeld, errImageUnknown)
			span.End()

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, tt.wantStatus, spans[0].Status.Code)

			outcome, found := attr(spans[0], "coordinator.outcome")
			assert.Equal(t, tt.wantOutcome != "", found)
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.Equal(t, tt.wantStatus == codes.Error, hasException(spans[0]))
		})
	}

	assert.NotPanics(t, func() { RecordOutcome(nil, errLockHeld, errLockHeld) })
}
