package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the scheduler's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	TaskDuration  metric.Float64Histogram
	TaskAttempts  metric.Int64Counter
	TaskOutcomes  metric.Int64Counter
	TaskRetries   metric.Int64Counter
	TasksInFlight metric.Int64UpDownCounter
	LockWait      metric.Float64Histogram
	LockFailures  metric.Int64Counter
	Runs          metric.Int64Counter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("taskflow.task.duration",
		metric.WithDescription("Executor call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskAttempts, err = meter.Int64Counter("taskflow.task.attempts",
		metric.WithDescription("Tasks handed to an executor"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskOutcomes, err = meter.Int64Counter("taskflow.task.outcomes",
		metric.WithDescription("Executor results by outcome (completed, failed, fault)"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("taskflow.task.retries",
		metric.WithDescription("Failed tasks re-queued for another attempt"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksInFlight, err = meter.Int64UpDownCounter("taskflow.task.inflight",
		metric.WithDescription("Executor calls currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.LockWait, err = meter.Float64Histogram("taskflow.lock.wait",
		metric.WithDescription("Time spent acquiring resource locks in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LockFailures, err = meter.Int64Counter("taskflow.lock.failures",
		metric.WithDescription("Lock acquisitions that exhausted their retries"),
	)
	if err != nil {
		return nil, err
	}

	m.Runs, err = meter.Int64Counter("taskflow.runs",
		metric.WithDescription("Finished runs by terminal state"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskStarted records a dispatch.
func (m *Metrics) TaskStarted(ctx context.Context, label string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrLabel.String(label))
	m.TaskAttempts.Add(ctx, 1, attrs)
	m.TasksInFlight.Add(ctx, 1, attrs)
}

// TaskFinished records the end of an executor call.
func (m *Metrics) TaskFinished(ctx context.Context, label, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksInFlight.Add(ctx, -1, metric.WithAttributes(AttrLabel.String(label)))
	attrs := metric.WithAttributes(AttrLabel.String(label), attribute.String("outcome", outcome))
	m.TaskOutcomes.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
}

// TaskRetried records a re-queue after failure.
func (m *Metrics) TaskRetried(ctx context.Context, label string) {
	if m == nil {
		return
	}
	m.TaskRetries.Add(ctx, 1, metric.WithAttributes(AttrLabel.String(label)))
}

// LockAcquired records how long an acquisition took and whether it failed.
func (m *Metrics) LockAcquired(ctx context.Context, wait time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.LockWait.Record(ctx, wait.Seconds())
	if failed {
		m.LockFailures.Add(ctx, 1)
	}
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.Runs.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
