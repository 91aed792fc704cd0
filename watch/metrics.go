package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// MetricBackoffDuration is the histogram of retry delays, in milliseconds.
const MetricBackoffDuration = "kvcoord.watch.backoff.duration_ms"

type watchMetrics struct {
	requests metric.Int64Counter
	changes  metric.Int64Counter
	backoff  metric.Int64Histogram
	active   metric.Int64ObservableGauge
	running  atomic.Int64
}

var (
	metricsOnce sync.Once
	metrics     *watchMetrics
)

func sharedMetrics(logger pslog.Logger) *watchMetrics {
	metricsOnce.Do(func() {
		metrics = newWatchMetrics(logger)
	})
	return metrics
}

func newWatchMetrics(logger pslog.Logger) *watchMetrics {
	meter := otel.Meter("pkt.systems/kvcoord/watch")
	m := &watchMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"kvcoord.watch.requests",
		metric.WithDescription("Blocking query calls issued by watchers"),
	)
	logMetricInitError(logger, "kvcoord.watch.requests", err)

	m.changes, err = meter.Int64Counter(
		"kvcoord.watch.changes",
		metric.WithDescription("Change notifications emitted by watchers"),
	)
	logMetricInitError(logger, "kvcoord.watch.changes", err)

	m.backoff, err = meter.Int64Histogram(
		MetricBackoffDuration,
		metric.WithDescription("Delay before retrying a failed blocking query"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, MetricBackoffDuration, err)

	m.active, err = meter.Int64ObservableGauge(
		"kvcoord.watch.active",
		metric.WithDescription("Running watchers"),
	)
	logMetricInitError(logger, "kvcoord.watch.active", err)

	if m.active != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.active, m.running.Load())
			return nil
		}, m.active); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "kvcoord.watch.active", "error", err)
		}
	}
	return m
}

func (m *watchMetrics) recordRequest(ctx context.Context, name, result string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("kvcoord.watch.name", name),
		attribute.String("kvcoord.watch.result", result),
	))
}

func (m *watchMetrics) recordChange(ctx context.Context, name string, reset bool) {
	if m == nil || m.changes == nil {
		return
	}
	m.changes.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("kvcoord.watch.name", name),
		attribute.Bool("kvcoord.watch.reset", reset),
	))
}

func (m *watchMetrics) recordBackoff(ctx context.Context, name string, d time.Duration) {
	if m == nil || m.backoff == nil {
		return
	}
	m.backoff.Record(context.WithoutCancel(ctx), d.Milliseconds(), metric.WithAttributes(
		attribute.String("kvcoord.watch.name", name),
	))
}

func (m *watchMetrics) addRunning(delta int64) {
	if m == nil {
		return
	}
	m.running.Add(delta)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
