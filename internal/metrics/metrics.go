package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	signups         metric.Int64Counter
	cancellations   metric.Int64Counter
	positionQueries metric.Int64Counter
	capacityRefresh metric.Int64Counter
	usersRegistered metric.Int64Counter
	eventsPublished metric.Int64Counter
	queryDuration   metric.Float64Histogram
	queryErrors     metric.Int64Counter
}

func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.signups, err = meter.Int64Counter(
		"lesson_service.enrollment.signups",
		metric.WithDescription("Total number of lesson signups"),
		metric.WithUnit("{signup}"),
	)
	if err != nil {
		return nil, err
	}

	m.cancellations, err = meter.Int64Counter(
		"lesson_service.enrollment.cancellations",
		metric.WithDescription("Total number of lesson cancellations"),
		metric.WithUnit("{cancellation}"),
	)
	if err != nil {
		return nil, err
	}

	m.positionQueries, err = meter.Int64Counter(
		"lesson_service.enrollment.position_queries",
		metric.WithDescription("Total number of signup position queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, err
	}

	m.capacityRefresh, err = meter.Int64Counter(
		"lesson_service.lessons.capacity_refreshed",
		metric.WithDescription("Total number of full capacity recomputations"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	m.usersRegistered, err = meter.Int64Counter(
		"lesson_service.users.registered",
		metric.WithDescription("Total number of users registered"),
		metric.WithUnit("{user}"),
	)
	if err != nil {
		return nil, err
	}

	m.eventsPublished, err = meter.Int64Counter(
		"lesson_service.events.published",
		metric.WithDescription("Total number of enrollment events published to NATS"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.queryDuration, err = meter.Float64Histogram(
		"lesson_service.db.query_duration",
		metric.WithDescription("Database query duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.queryErrors, err = meter.Int64Counter(
		"lesson_service.db.query_errors",
		metric.WithDescription("Total number of failed database queries"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NewMock creates a no-op Metrics instance for testing
// The returned Metrics will safely ignore all Record* calls
func NewMock() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordSignup(ctx context.Context) {
	if m != nil && m.signups != nil {
		m.signups.Add(ctx, 1)
	}
}

func (m *Metrics) RecordCancellation(ctx context.Context) {
	if m != nil && m.cancellations != nil {
		m.cancellations.Add(ctx, 1)
	}
}

func (m *Metrics) RecordPositionQuery(ctx context.Context) {
	if m != nil && m.positionQueries != nil {
		m.positionQueries.Add(ctx, 1)
	}
}

func (m *Metrics) RecordCapacityRefresh(ctx context.Context) {
	if m != nil && m.capacityRefresh != nil {
		m.capacityRefresh.Add(ctx, 1)
	}
}

func (m *Metrics) RecordUserRegistration(ctx context.Context) {
	if m != nil && m.usersRegistered != nil {
		m.usersRegistered.Add(ctx, 1)
	}
}

func (m *Metrics) RecordEventPublished(ctx context.Context) {
	if m != nil && m.eventsPublished != nil {
		m.eventsPublished.Add(ctx, 1)
	}
}

// RecordQuery tracks duration and failures of a database operation.
func (m *Metrics) RecordQuery(ctx context.Context, operation, table string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("table", table),
	)
	if m.queryDuration != nil {
		m.queryDuration.Record(ctx, duration.Seconds(), attrs)
	}
	if err != nil && m.queryErrors != nil {
		m.queryErrors.Add(ctx, 1, attrs)
	}
}
