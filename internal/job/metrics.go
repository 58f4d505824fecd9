package job

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName identifies the instruments created by this package.
const MeterName = "videovault/job"

// Metrics holds the scheduler's metric instruments.
type Metrics struct {
	submitted metric.Int64Counter
	rejected  metric.Int64Counter
	finished  metric.Int64Counter
	reclaimed metric.Int64Counter
	active    metric.Int64UpDownCounter
	duration  metric.Float64Histogram
}

// NewMetrics creates the instruments from mp. A nil provider yields no-op instruments.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	var err error
	m.submitted, err = meter.Int64Counter(
		"jobs.submitted",
		metric.WithDescription("Jobs admitted to the queue"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.submitted, _ = meter.Int64Counter("jobs.submitted")
	}

	m.rejected, err = meter.Int64Counter(
		"jobs.rejected",
		metric.WithDescription("Submissions rejected before admission"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.rejected, _ = meter.Int64Counter("jobs.rejected")
	}

	m.finished, err = meter.Int64Counter(
		"jobs.finished",
		metric.WithDescription("Jobs that reached a terminal state"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.finished, _ = meter.Int64Counter("jobs.finished")
	}

	m.reclaimed, err = meter.Int64Counter(
		"jobs.reclaimed",
		metric.WithDescription("Terminal jobs removed after the grace period"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.reclaimed, _ = meter.Int64Counter("jobs.reclaimed")
	}

	m.active, err = meter.Int64UpDownCounter(
		"jobs.active",
		metric.WithDescription("Jobs currently executing"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.active, _ = meter.Int64UpDownCounter("jobs.active")
	}

	m.duration, err = meter.Float64Histogram(
		"jobs.duration",
		metric.WithDescription("Wall time from dispatch to terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		m.duration, _ = meter.Float64Histogram("jobs.duration")
	}

	return m
}

func (m *Metrics) recordSubmitted(ctx context.Context) {
	m.submitted.Add(ctx, 1)
}

func (m *Metrics) recordRejected(ctx context.Context, reason string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) recordDispatched(ctx context.Context) {
	m.active.Add(ctx, 1)
}

func (m *Metrics) recordFinished(ctx context.Context, status Status, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	m.active.Add(ctx, -1)
	m.finished.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) recordReclaimed(ctx context.Context) {
	m.reclaimed.Add(ctx, 1)
}
