// Package telemetry provides OpenTelemetry instrumentation for the annotation coordinator.
package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// CoordinatorMetricsMeterName is the name used for the coordinator metrics meter
	CoordinatorMetricsMeterName = "github.com/partonomy/annotator/coordinator"

	// LockMetricsMeterName is the name used for the lock metrics meter
	LockMetricsMeterName = "github.com/partonomy/annotator/lock"
)

// Outcomes recorded on coordinator operations.
const (
	OutcomeSuccess     = "success"
	OutcomeExhausted   = "exhausted"
	OutcomeConflict    = "conflict"
	OutcomeUnavailable = "unavailable"
	OutcomeNotFound    = "not_found"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
)

// CoordinatorMetrics holds the OpenTelemetry instruments for coordinator operations
type CoordinatorMetrics struct {
	operations      metric.Int64Counter
	operationTime   metric.Float64Histogram
	claimSkips      metric.Int64Counter
	queueLength     metric.Int64Gauge
	checkedImages   metric.Int64Gauge
	uncheckedImages metric.Int64Gauge
	persistDuration metric.Float64Histogram
}

// NewCoordinatorMetrics creates a new CoordinatorMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewCoordinatorMetrics(provider metric.MeterProvider) (*CoordinatorMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(CoordinatorMetricsMeterName)
	m := &CoordinatorMetrics{}
	var err error

	if m.operations, err = meter.Int64Counter(
		"annotator_operations_total",
		metric.WithDescription("Number of coordinator operations by outcome"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.operationTime, err = meter.Float64Histogram(
		"annotator_operation_duration_seconds",
		metric.WithDescription("Duration of coordinator operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.claimSkips, err = meter.Int64Counter(
		"annotator_claim_skips_total",
		metric.WithDescription("Queue entries skipped while claiming an image"),
		metric.WithUnit("{image}"),
	); err != nil {
		return nil, err
	}

	if m.queueLength, err = meter.Int64Gauge(
		"annotator_queue_length",
		metric.WithDescription("Number of images in the work queue"),
		metric.WithUnit("{image}"),
	); err != nil {
		return nil, err
	}

	if m.checkedImages, err = meter.Int64Gauge(
		"annotator_checked_images",
		metric.WithDescription("Number of checked images in the annotation state"),
		metric.WithUnit("{image}"),
	); err != nil {
		return nil, err
	}

	if m.uncheckedImages, err = meter.Int64Gauge(
		"annotator_unchecked_images",
		metric.WithDescription("Number of unchecked images in the annotation state"),
		metric.WithUnit("{image}"),
	); err != nil {
		return nil, err
	}

	if m.persistDuration, err = meter.Float64Histogram(
		"annotator_snapshot_persist_duration_seconds",
		metric.WithDescription("Duration of snapshot writes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordOperation records the outcome and duration of a coordinator operation
func (m *CoordinatorMetrics) RecordOperation(ctx context.Context, operation, outcome string, duration time.Duration) {
	if m == nil || m.operations == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)
	m.operations.Add(ctx, 1, attrs)
	m.operationTime.Record(ctx, duration.Seconds(), attrs)
}

// RecordClaimSkip records a queue entry skipped while claiming
func (m *CoordinatorMetrics) RecordClaimSkip(ctx context.Context, reason string) {
	if m == nil || m.claimSkips == nil {
		return
	}

	m.claimSkips.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordQueueLength records the current work queue length
func (m *CoordinatorMetrics) RecordQueueLength(ctx context.Context, length int64) {
	if m == nil || m.queueLength == nil {
		return
	}

	m.queueLength.Record(ctx, length)
}

// RecordProgress records the number of checked and unchecked images
func (m *CoordinatorMetrics) RecordProgress(ctx context.Context, checked, unchecked int64) {
	if m == nil || m.checkedImages == nil {
		return
	}

	m.checkedImages.Record(ctx, checked)
	m.uncheckedImages.Record(ctx, unchecked)
}

// RecordPersist records the duration of a snapshot write
func (m *CoordinatorMetrics) RecordPersist(ctx context.Context, duration time.Duration, success bool) {
	if m == nil || m.persistDuration == nil {
		return
	}

	m.persistDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.Bool("success", success)))
}

// LockMetrics holds the OpenTelemetry instruments for lock acquisitions
type LockMetrics struct {
	waitDuration metric.Float64Histogram
}

// NewLockMetrics creates a new LockMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewLockMetrics(provider metric.MeterProvider) (*LockMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(LockMetricsMeterName)

	waitDuration, err := meter.Float64Histogram(
		"annotator_lock_wait_duration_seconds",
		metric.WithDescription("Time spent acquiring locks in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	return &LockMetrics{
		waitDuration: waitDuration,
	}, nil
}

// RecordLockWait records how long an acquisition waited. Per-image lock names
// are collapsed into a single "image" kind to bound cardinality.
func (m *LockMetrics) RecordLockWait(ctx context.Context, name, mode, status string, waited time.Duration) {
	if m == nil || m.waitDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("lock", lockKind(name)),
		attribute.String("mode", mode),
		attribute.String("status", status),
	}

	m.waitDuration.Record(ctx, waited.Seconds(), metric.WithAttributes(attrs...))
}

func lockKind(name string) string {
	if strings.HasPrefix(name, "image:") {
		return "image"
	}
	return name
}
