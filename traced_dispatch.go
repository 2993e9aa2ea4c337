package main

import (
	"context"
	"time"

	"github.com/imeyer/flowbridge/flow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TracedNotifier and TracedInvoker time every delivery and count it by
// event and result. They run on lane goroutines, so the span is a root span
// unless the caller's context carried one.
type (
	TracedNotifier struct {
		wrapped   flow.Notifier
		telemetry *TelemetryConfig
	}

	TracedInvoker struct {
		wrapped   flow.Runner
		telemetry *TelemetryConfig
	}
)

var (
	_ flow.Notifier = (*TracedNotifier)(nil)
	_ flow.Runner   = (*TracedInvoker)(nil)
)

func NewTracedNotifier(wrapped flow.Notifier, telemetry *TelemetryConfig) *TracedNotifier {
	return &TracedNotifier{wrapped: wrapped, telemetry: telemetry}
}

func NewTracedInvoker(wrapped flow.Runner, telemetry *TelemetryConfig) *TracedInvoker {
	return &TracedInvoker{wrapped: wrapped, telemetry: telemetry}
}

func (t *TracedNotifier) Notify(ctx context.Context, p flow.WebhookPayload) bool {
	ctx, span := t.telemetry.Tracer.Start(ctx, "Notify(webhook)",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("flow.event", string(p.Event)),
			attribute.String("topic.tid", p.TID),
		))
	defer span.End()

	start := time.Now()
	ok := t.wrapped.Notify(ctx, p)
	recordDelivery(ctx, t.telemetry, span, p.Event, ok, time.Since(start))

	return ok
}

func (t *TracedInvoker) Run(ctx context.Context, req flow.RunRequest) bool {
	ctx, span := t.telemetry.Tracer.Start(ctx, "Run(run-flow)",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("flow.event", string(flow.EventRunFlow)),
			attribute.String("topic.tid", req.TID),
		))
	defer span.End()

	start := time.Now()
	ok := t.wrapped.Run(ctx, req)
	recordDelivery(ctx, t.telemetry, span, flow.EventRunFlow, ok, time.Since(start))

	return ok
}

func deliveryResult(ok bool) string {
	if ok {
		return "delivered"
	}
	return "failed"
}

func recordDelivery(ctx context.Context, tc *TelemetryConfig, span trace.Span, event flow.EventType, ok bool, elapsed time.Duration) {
	result := deliveryResult(ok)

	dispatchDuration.WithLabelValues(string(event), result).Observe(elapsed.Seconds())
	if tc.Metrics.DeliveryCounter != nil {
		tc.Metrics.DeliveryCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", string(event)),
			attribute.String("result", result),
		))
	}

	span.SetAttributes(
		attribute.String("delivery.result", result),
		attribute.Float64("request.duration", elapsed.Seconds()),
	)
	if !ok {
		span.SetStatus(codes.Error, "delivery failed")
		return
	}
	span.SetStatus(codes.Ok, "")
}
