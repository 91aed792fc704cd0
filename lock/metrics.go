package lock

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

// MetricHeldDuration is the histogram of how long a lock was held, in
// milliseconds.
const MetricHeldDuration = "kvcoord.lock.held.duration_ms"

type lockMetrics struct {
	acquire metric.Int64Counter
	release metric.Int64Counter
	retry   metric.Int64Counter
	renew   metric.Int64Counter
	heldFor metric.Int64Histogram
	held    metric.Int64ObservableGauge
	holding atomic.Int64
}

var (
	metricsOnce sync.Once
	metrics     *lockMetrics
)

func sharedMetrics(logger pslog.Logger) *lockMetrics {
	metricsOnce.Do(func() {
		metrics = newLockMetrics(logger)
	})
	return metrics
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter("pkt.systems/kvcoord/lock")
	m := &lockMetrics{}
	var err error

	m.acquire, err = meter.Int64Counter(
		"kvcoord.lock.acquire",
		metric.WithDescription("Lock acquisitions"),
	)
	logMetricInitError(logger, "kvcoord.lock.acquire", err)

	m.release, err = meter.Int64Counter(
		"kvcoord.lock.release",
		metric.WithDescription("Lock releases, including ownership loss"),
	)
	logMetricInitError(logger, "kvcoord.lock.release", err)

	m.retry, err = meter.Int64Counter(
		"kvcoord.lock.retry",
		metric.WithDescription("Acquisition retries due to contention"),
	)
	logMetricInitError(logger, "kvcoord.lock.retry", err)

	m.renew, err = meter.Int64Counter(
		"kvcoord.lock.session.renew",
		metric.WithDescription("Session renewals"),
	)
	logMetricInitError(logger, "kvcoord.lock.session.renew", err)

	m.heldFor, err = meter.Int64Histogram(
		MetricHeldDuration,
		metric.WithDescription("Time between acquiring and releasing a lock"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, MetricHeldDuration, err)

	m.held, err = meter.Int64ObservableGauge(
		"kvcoord.lock.held",
		metric.WithDescription("Locks currently held by this process"),
	)
	logMetricInitError(logger, "kvcoord.lock.held", err)

	if m.held != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.held, m.holding.Load())
			return nil
		}, m.held); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "kvcoord.lock.held", "error", err)
		}
	}
	return m
}

func (m *lockMetrics) recordAcquire(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.holding.Add(1)
	if m.acquire != nil {
		m.acquire.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("kvcoord.lock.key", key)))
	}
}

func (m *lockMetrics) recordRelease(ctx context.Context, key, reason string, heldFor time.Duration) {
	if m == nil {
		return
	}
	m.holding.Add(-1)
	attrs := metric.WithAttributes(
		attribute.String("kvcoord.lock.key", key),
		attribute.String("kvcoord.lock.reason", reason),
	)
	ctx = context.WithoutCancel(ctx)
	if m.release != nil {
		m.release.Add(ctx, 1, attrs)
	}
	if m.heldFor != nil {
		m.heldFor.Record(ctx, heldFor.Milliseconds(), attrs)
	}
}

func (m *lockMetrics) recordRetry(ctx context.Context, key, cause string) {
	if m == nil || m.retry == nil {
		return
	}
	m.retry.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("kvcoord.lock.key", key),
		attribute.String("kvcoord.lock.retry_cause", cause),
	))
}

func (m *lockMetrics) recordRenew(ctx context.Context, err error) {
	if m == nil || m.renew == nil {
		return
	}
	m.renew.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("kvcoord.lock.result", metricResultLabel(err)),
	))
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
