package main

import (
	"context"
	"errors"
	"time"

	"github.com/imeyer/flowbridge/flow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TracedTopicStore decorates a flow.TopicStore with a span and a duration
// sample per call.
type TracedTopicStore struct {
	wrapped   flow.TopicStore
	telemetry *TelemetryConfig
}

var _ flow.TopicStore = (*TracedTopicStore)(nil)

func NewTracedTopicStore(wrapped flow.TopicStore, telemetry *TelemetryConfig) *TracedTopicStore {
	return &TracedTopicStore{
		wrapped:   wrapped,
		telemetry: telemetry,
	}
}

// recordMetrics is a helper method to record query duration metrics
func (t *TracedTopicStore) recordMetrics(ctx context.Context, queryName string, duration float64) {
	if t.telemetry.Metrics.DBQueryDuration != nil {
		t.telemetry.Metrics.DBQueryDuration.Record(ctx, duration,
			metric.WithAttributes(
				attribute.String("query", queryName),
			),
		)
	}
}

// finish closes out the span for one query. A missing topic is an expected
// answer, not a failed query.
func (t *TracedTopicStore) finish(ctx context.Context, span trace.Span, queryName string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	t.recordMetrics(ctx, queryName, duration)
	span.SetAttributes(attribute.Float64("request.duration", duration))

	if err != nil && !errors.Is(err, flow.ErrTopicNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

func (t *TracedTopicStore) CreateTopic(ctx context.Context, topic flow.Topic) (bool, error) {
	ctx, span := t.telemetry.Tracer.Start(ctx, "CreateTopic(query)",
		trace.WithAttributes(attribute.String("topic.tid", topic.TID)))
	defer span.End()

	start := time.Now()
	created, err := t.wrapped.CreateTopic(ctx, topic)
	span.SetAttributes(attribute.Bool("topic.created", created))
	t.finish(ctx, span, "CreateTopic", start, err)

	return created, err
}

func (t *TracedTopicStore) GetTopic(ctx context.Context, tid string) (*flow.Topic, error) {
	ctx, span := t.telemetry.Tracer.Start(ctx, "GetTopic(query)",
		trace.WithAttributes(attribute.String("topic.tid", tid)))
	defer span.End()

	start := time.Now()
	topic, err := t.wrapped.GetTopic(ctx, tid)
	t.finish(ctx, span, "GetTopic", start, err)

	return topic, err
}

func (t *TracedTopicStore) SetFlowID(ctx context.Context, tid, flowID, title string) (bool, error) {
	ctx, span := t.telemetry.Tracer.Start(ctx, "SetFlowID(query)",
		trace.WithAttributes(attribute.String("topic.tid", tid)))
	defer span.End()

	start := time.Now()
	linked, err := t.wrapped.SetFlowID(ctx, tid, flowID, title)
	span.SetAttributes(attribute.Bool("topic.linked", linked))
	t.finish(ctx, span, "SetFlowID", start, err)

	return linked, err
}

func (t *TracedTopicStore) AddInvites(ctx context.Context, tid string, emails []string) (*flow.Topic, error) {
	ctx, span := t.telemetry.Tracer.Start(ctx, "AddInvites(query)",
		trace.WithAttributes(
			attribute.String("topic.tid", tid),
			attribute.Int("emails.count", len(emails)),
		))
	defer span.End()

	start := time.Now()
	topic, err := t.wrapped.AddInvites(ctx, tid, emails)
	t.finish(ctx, span, "AddInvites", start, err)

	return topic, err
}

func (t *TracedTopicStore) AddRevocations(ctx context.Context, tid string, emails []string) (*flow.Topic, error) {
	ctx, span := t.telemetry.Tracer.Start(ctx, "AddRevocations(query)",
		trace.WithAttributes(
			attribute.String("topic.tid", tid),
			attribute.Int("emails.count", len(emails)),
		))
	defer span.End()

	start := time.Now()
	topic, err := t.wrapped.AddRevocations(ctx, tid, emails)
	t.finish(ctx, span, "AddRevocations", start, err)

	return topic, err
}
