package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartBatchSpan starts a span covering one batch dispatch.
	StartBatchSpan(ctx context.Context, tier event.Priority, eventType string, size int) (context.Context, trace.Span)

	// StartHandlerSpan starts a child span for one handler invocation.
	StartHandlerSpan(ctx context.Context, handler string, evt event.Event) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{tracer: otel.Tracer("hookflow")}
}

// NewSpanManagerWithTracer uses a specific tracer.
func NewSpanManagerWithTracer(t trace.Tracer) SpanManager {
	return &otelSpanManager{tracer: t}
}

func (m *otelSpanManager) StartBatchSpan(ctx context.Context, tier event.Priority, eventType string, size int) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "hookflow.batch",
		trace.WithAttributes(
			attribute.String("hookflow.tier", tier.String()),
			attribute.String("hookflow.event_type", eventType),
			attribute.Int("hookflow.batch_size", size),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartHandlerSpan(ctx context.Context, handler string, evt event.Event) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "hookflow.handler."+handler,
		trace.WithAttributes(
			attribute.String("hookflow.handler", handler),
			attribute.String("hookflow.event_id", evt.ID),
			attribute.String("hookflow.event_type", evt.Type),
			attribute.String("hookflow.correlation_id", evt.Context.CorrelationID),
			attribute.Int("hookflow.attempt", evt.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
