package queue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type pollerMetrics struct {
	pops    metric.Int64Counter
	wait    metric.Float64Histogram
	waiters metric.Int64ObservableGauge

	registration metric.Registration
}

func newPollerMetrics(logger pslog.Logger, poller *Poller) *pollerMetrics {
	meter := otel.Meter("pkt.systems/flatq/queue")
	m := &pollerMetrics{}
	var err error

	m.pops, err = meter.Int64Counter(
		"flatq.queue.pops",
		metric.WithDescription("Pop calls by outcome"),
	)
	logMetricInitError(logger, "flatq.queue.pops", err)

	m.wait, err = meter.Float64Histogram(
		"flatq.queue.pop.wait",
		metric.WithDescription("Time spent inside Pop"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "flatq.queue.pop.wait", err)

	m.waiters, err = meter.Int64ObservableGauge(
		"flatq.queue.waiters",
		metric.WithDescription("Blocked Pop calls (per queue)"),
	)
	logMetricInitError(logger, "flatq.queue.waiters", err)

	if m.waiters != nil {
		reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			if poller == nil {
				return nil
			}
			for queue, n := range poller.snapshotWaiters() {
				o.ObserveInt64(m.waiters, int64(n), metric.WithAttributes(attribute.String("flatq.queue", queue)))
			}
			return nil
		}, m.waiters)
		if err != nil {
			if logger != nil {
				logger.Warn("telemetry.metric.callback_failed", "name", "flatq.queue.waiters", "error", err)
			}
		} else {
			m.registration = reg
		}
	}
	return m
}

func (m *pollerMetrics) recordPop(ctx context.Context, queue, result string, waited time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("flatq.queue", queue),
		attribute.String("flatq.result", result),
	)
	if m.pops != nil {
		m.pops.Add(ctx, 1, attrs)
	}
	if m.wait != nil {
		m.wait.Record(ctx, waited.Seconds(), attrs)
	}
}

func (m *pollerMetrics) close() error {
	if m == nil || m.registration == nil {
		return nil
	}
	err := m.registration.Unregister()
	m.registration = nil
	return err
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
