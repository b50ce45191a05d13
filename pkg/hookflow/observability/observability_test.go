package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/observability"
)

func TestNewLogger_JSON(t *testing.T) {
	t.Setenv(observability.EnvLogFormat, "")
	t.Setenv(observability.EnvLogLevel, "")

	var buf bytes.Buffer
	logger, err := observability.NewLogger(observability.LogConfig{Format: "json", Level: "debug"}, &buf)
	require.NoError(t, err)

	evt := event.New("file.modified", nil, event.WithSessionID("s1"))
	observability.EnrichLogger(logger, evt).Debug("dispatching")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dispatching", line["msg"])
	assert.Equal(t, evt.ID, line["event_id"])
	assert.Equal(t, "file.modified", line["event_type"])
	assert.Equal(t, "s1", line["session_id"])
}

func TestNewLogger_EnvOverrides(t *testing.T) {
	t.Setenv(observability.EnvLogFormat, "json")
	t.Setenv(observability.EnvLogLevel, "error")

	var buf bytes.Buffer
	logger, err := observability.NewLogger(observability.LogConfig{Format: "text", Level: "debug"}, &buf)
	require.NoError(t, err)

	logger.Warn("suppressed")
	assert.Empty(t, buf.String())
	logger.Error("kept")
	assert.Contains(t, buf.String(), `"msg":"kept"`)
}

func TestNewLogger_Text(t *testing.T) {
	t.Setenv(observability.EnvLogFormat, "")
	t.Setenv(observability.EnvLogLevel, "")

	var buf bytes.Buffer
	logger, err := observability.NewLogger(observability.LogConfig{}, &buf)
	require.NoError(t, err)
	logger.Info("hello", "agent", "reviewer")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "reviewer")
}

func TestNewLogger_Invalid(t *testing.T) {
	t.Setenv(observability.EnvLogFormat, "")
	t.Setenv(observability.EnvLogLevel, "")

	_, err := observability.NewLogger(observability.LogConfig{Format: "xml"}, nil)
	assert.Error(t, err)
	_, err = observability.NewLogger(observability.LogConfig{Level: "loud"}, nil)
	assert.Error(t, err)
}

func TestLogHelpers_NilSafe(t *testing.T) {
	evt := event.New("x", nil)
	assert.NotPanics(t, func() {
		observability.LogSubmitRejected(nil, evt, "duplicate")
		observability.LogBatchDispatch(nil, event.High, "x", 3, "size")
		observability.LogHandlerComplete(nil, "h", 1, 2)
		observability.LogHandlerError(nil, "h", evt, errors.New("boom"))
		observability.LogBreakerTransition(nil, "h", "CLOSED", "OPEN")
		observability.LogDeadLetter(nil, "h", evt, "boom", "transient")
		observability.LogTrigger(nil, "agent", "x", 0)
		assert.Nil(t, observability.EnrichLogger(nil, evt))
	})
}

func TestLogBreakerTransition_OpenIsWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	observability.LogBreakerTransition(logger, "lint/file.modified", "CLOSED", "OPEN")
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	rec, err := observability.NewMetricsRecorderWithMeter(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	rec.RecordSubmit(ctx, "file.modified", "normal", "accepted")
	rec.RecordSubmit(ctx, "file.modified", "normal", "duplicate")
	rec.RecordHandler(ctx, "lint", "file.modified", 12*time.Millisecond, nil)
	rec.RecordHandler(ctx, "lint", "file.modified", 30*time.Millisecond, errors.New("boom"))
	rec.RecordBatch(ctx, "normal", 12, "timeout")
	rec.RecordDeadLetter(ctx, "lint", "circuit_open")
	rec.RecordTrigger(ctx, "reviewer", 4)
	rec.RecordBreakerTransition(ctx, "lint", "OPEN")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(2), sumOf(t, findMetric(&rm, "hookflow.submissions")))
	assert.Equal(t, int64(2), sumOf(t, findMetric(&rm, "hookflow.handler.invocations")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(&rm, "hookflow.handler.errors")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(&rm, "hookflow.dlq.captures")))
	assert.Equal(t, int64(4), sumOf(t, findMetric(&rm, "hookflow.trigger.collapsed")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(&rm, "hookflow.breaker.transitions")))

	latency := findMetric(&rm, "hookflow.handler.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
}

func TestNoopMetrics(t *testing.T) {
	var rec observability.MetricsRecorder = observability.NoopMetrics{}
	assert.NotPanics(t, func() {
		rec.RecordSubmit(context.Background(), "x", "low", "accepted")
		rec.RecordHandler(context.Background(), "h", "x", time.Second, nil)
	})
}

func TestSpanManager(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())

	sm := observability.NewSpanManagerWithTracer(provider.Tracer("test"))
	evt := event.New("git.commit", nil)

	ctx, batch := sm.StartBatchSpan(context.Background(), event.High, "git.commit", 1)
	_, handler := sm.StartHandlerSpan(ctx, "audit", evt)
	sm.AddSpanEvent(ctx, "dispatched")
	sm.EndSpanWithError(handler, errors.New("boom"))
	sm.EndSpanWithError(batch, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "hookflow.handler.audit", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Equal(t, "hookflow.batch", spans[1].Name())
	require.Len(t, spans[1].Events(), 1)
}

func TestNoopSpanManager(t *testing.T) {
	sm := observability.NoopSpanManager{}
	ctx := context.Background()
	got, span := sm.StartHandlerSpan(ctx, "h", event.New("x", nil))
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	sm.EndSpanWithError(span, nil)
}
