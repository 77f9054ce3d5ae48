package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics are the orchestrator counters. All recording methods are nil-safe
// so callers never guard.
type Metrics struct {
	jobsStarted    metric.Int64Counter
	jobsCompleted  metric.Int64Counter
	jobsFailed     metric.Int64Counter
	tasksEnqueued  metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	tasksReclaimed metric.Int64Counter
	queueWait      metric.Float64Histogram
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("dalston/orchestrator")
	m := &Metrics{}
	var err error
	if m.jobsStarted, err = meter.Int64Counter("dalston.jobs.started"); err != nil {
		return nil, err
	}
	if m.jobsCompleted, err = meter.Int64Counter("dalston.jobs.completed"); err != nil {
		return nil, err
	}
	if m.jobsFailed, err = meter.Int64Counter("dalston.jobs.failed"); err != nil {
		return nil, err
	}
	if m.tasksEnqueued, err = meter.Int64Counter("dalston.tasks.enqueued"); err != nil {
		return nil, err
	}
	if m.tasksCompleted, err = meter.Int64Counter("dalston.tasks.completed"); err != nil {
		return nil, err
	}
	if m.tasksFailed, err = meter.Int64Counter("dalston.tasks.failed"); err != nil {
		return nil, err
	}
	if m.tasksReclaimed, err = meter.Int64Counter("dalston.tasks.reclaimed"); err != nil {
		return nil, err
	}
	if m.queueWait, err = meter.Float64Histogram("dalston.tasks.queue_wait_seconds"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) JobStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsStarted.Add(ctx, 1)
}

func (m *Metrics) JobCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsCompleted.Add(ctx, 1)
}

func (m *Metrics) JobFailed(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.jobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

func (m *Metrics) TaskEnqueued(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.tasksEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) TaskCompleted(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) TaskFailed(ctx context.Context, stage, category string) {
	if m == nil {
		return
	}
	m.tasksFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("category", category),
	))
}

func (m *Metrics) TaskReclaimed(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.tasksReclaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) QueueWait(ctx context.Context, stage string, wait time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}
