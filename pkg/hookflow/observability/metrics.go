package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordSubmit records a submission outcome (accepted, duplicate,
	// filtered, invalid, overflow).
	RecordSubmit(ctx context.Context, eventType, priority, outcome string)

	// RecordHandler records one handler invocation.
	RecordHandler(ctx context.Context, handler, eventType string, duration time.Duration, err error)

	// RecordBatch records a flushed batch.
	RecordBatch(ctx context.Context, priority string, size int, reason string)

	// RecordDeadLetter records a dead letter capture.
	RecordDeadLetter(ctx context.Context, handler, reason string)

	// RecordTrigger records an agent trigger request.
	RecordTrigger(ctx context.Context, agent string, collapsed int)

	// RecordBreakerTransition records a circuit breaker state change.
	RecordBreakerTransition(ctx context.Context, breaker, to string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	submissions     metric.Int64Counter
	invocations     metric.Int64Counter
	handlerErrors   metric.Int64Counter
	handlerLatency  metric.Float64Histogram
	batchSize       metric.Int64Histogram
	deadLetters     metric.Int64Counter
	triggers        metric.Int64Counter
	triggerCollapse metric.Int64Counter
	breakerChanges  metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("hookflow"))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	var m otelMetrics
	var err error

	if m.submissions, err = meter.Int64Counter("hookflow.submissions",
		metric.WithDescription("Events submitted, by outcome"),
	); err != nil {
		return nil, err
	}
	if m.invocations, err = meter.Int64Counter("hookflow.handler.invocations",
		metric.WithDescription("Handler invocations"),
	); err != nil {
		return nil, err
	}
	if m.handlerErrors, err = meter.Int64Counter("hookflow.handler.errors",
		metric.WithDescription("Failed handler invocations"),
	); err != nil {
		return nil, err
	}
	if m.handlerLatency, err = meter.Float64Histogram("hookflow.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.batchSize, err = meter.Int64Histogram("hookflow.batch.size",
		metric.WithDescription("Events per flushed batch"),
	); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("hookflow.dlq.captures",
		metric.WithDescription("Dead letter captures"),
	); err != nil {
		return nil, err
	}
	if m.triggers, err = meter.Int64Counter("hookflow.trigger.requests",
		metric.WithDescription("Agent trigger requests"),
	); err != nil {
		return nil, err
	}
	if m.triggerCollapse, err = meter.Int64Counter("hookflow.trigger.collapsed",
		metric.WithDescription("Events collapsed into debounced triggers"),
	); err != nil {
		return nil, err
	}
	if m.breakerChanges, err = meter.Int64Counter("hookflow.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderWithMeter builds a recorder on a specific meter.
func NewMetricsRecorderWithMeter(meter metric.Meter) (MetricsRecorder, error) {
	m, err := newOtelMetrics(meter)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *otelMetrics) RecordSubmit(ctx context.Context, eventType, priority, outcome string) {
	m.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("priority", priority),
		attribute.String("outcome", outcome),
	))
}

func (m *otelMetrics) RecordHandler(ctx context.Context, handler, eventType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("event_type", eventType),
	)
	m.invocations.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.handlerErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordBatch(ctx context.Context, priority string, size int, reason string) {
	m.batchSize.Record(ctx, int64(size), metric.WithAttributes(
		attribute.String("priority", priority),
		attribute.String("reason", reason),
	))
}

func (m *otelMetrics) RecordDeadLetter(ctx context.Context, handler, reason string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("reason", reason),
	))
}

func (m *otelMetrics) RecordTrigger(ctx context.Context, agent string, collapsed int) {
	attrs := metric.WithAttributes(attribute.String("agent", agent))
	m.triggers.Add(ctx, 1, attrs)
	if collapsed > 0 {
		m.triggerCollapse.Add(ctx, int64(collapsed), attrs)
	}
}

func (m *otelMetrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.breakerChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("state", to),
	))
}
