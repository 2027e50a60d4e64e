package flatq

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type driverMetrics struct {
	ops      metric.Int64Counter
	duration metric.Float64Histogram
	bytes    metric.Int64Counter
}

func newDriverMetrics(logger pslog.Logger) *driverMetrics {
	meter := otel.Meter("pkt.systems/flatq")
	m := &driverMetrics{}
	var err error

	m.ops, err = meter.Int64Counter(
		"flatq.driver.operations",
		metric.WithDescription("Driver operations by name and result"),
	)
	logMetricInitError(logger, "flatq.driver.operations", err)

	m.duration, err = meter.Float64Histogram(
		"flatq.driver.operation.duration",
		metric.WithDescription("Driver operation latency"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "flatq.driver.operation.duration", err)

	m.bytes, err = meter.Int64Counter(
		"flatq.driver.payload.bytes",
		metric.WithDescription("Payload bytes pushed and popped"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "flatq.driver.payload.bytes", err)
	return m
}

func (m *driverMetrics) record(ctx context.Context, op, queue string, start time.Time, result string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("flatq.operation", op),
		attribute.String("flatq.queue", queue),
		attribute.String("flatq.result", result),
	)
	ctx = context.WithoutCancel(ctx)
	if m.ops != nil {
		m.ops.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

func (m *driverMetrics) recordBytes(ctx context.Context, op, queue string, n int) {
	if m == nil || m.bytes == nil || n <= 0 {
		return
	}
	m.bytes.Add(context.WithoutCancel(ctx), int64(n), metric.WithAttributes(
		attribute.String("flatq.operation", op),
		attribute.String("flatq.queue", queue),
	))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case IsStorageError(err):
		return "storage_error"
	default:
		return "error"
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
