package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// Exporter publishes a monitor's view as OpenTelemetry instruments. Latency
// is recorded as samples arrive; depth, throughput, counts and DLQ size are
// observed at collection time.
type Exporter struct {
	latency      metric.Float64Histogram
	registration metric.Registration
}

// Export registers the monitor's instruments on meter and starts recording
// latency samples. Call Unregister on the result to stop.
func (m *Monitor) Export(meter metric.Meter) (*Exporter, error) {
	latency, err := meter.Float64Histogram("hookflow.tier.latency_ms",
		metric.WithDescription("End-to-end event latency per tier"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("latency histogram: %w", err)
	}
	depth, err := meter.Int64ObservableGauge("hookflow.queue.depth",
		metric.WithDescription("Queued events per tier"),
	)
	if err != nil {
		return nil, fmt.Errorf("depth gauge: %w", err)
	}
	throughput, err := meter.Float64ObservableGauge("hookflow.tier.throughput",
		metric.WithDescription("Events per second over the last minute"),
	)
	if err != nil {
		return nil, fmt.Errorf("throughput gauge: %w", err)
	}
	processed, err := meter.Int64ObservableCounter("hookflow.tier.processed",
		metric.WithDescription("Invocations recorded per tier"),
	)
	if err != nil {
		return nil, fmt.Errorf("processed counter: %w", err)
	}
	failed, err := meter.Int64ObservableCounter("hookflow.tier.failed",
		metric.WithDescription("Failed invocations per tier"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed counter: %w", err)
	}
	dlqSize, err := meter.Int64ObservableGauge("hookflow.dlq.size",
		metric.WithDescription("Entries held in the dead letter queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("dlq gauge: %w", err)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := m.Snapshot()
		for _, p := range event.Priorities {
			st := snap.Tiers[p.String()]
			attrs := metric.WithAttributes(attribute.String("priority", p.String()))
			o.ObserveInt64(depth, int64(st.Depth), attrs)
			o.ObserveFloat64(throughput, st.Throughput, attrs)
			o.ObserveInt64(processed, st.Processed, attrs)
			o.ObserveInt64(failed, st.Failed, attrs)
		}
		o.ObserveInt64(dlqSize, int64(snap.DLQSize))
		return nil
	}, depth, throughput, processed, failed, dlqSize)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exp := &Exporter{latency: latency, registration: reg}
	m.mu.Lock()
	m.exporter = exp
	m.mu.Unlock()
	return exp, nil
}

func (e *Exporter) record(p event.Priority, latencyMs float64) {
	e.latency.Record(context.Background(), latencyMs,
		metric.WithAttributes(attribute.String("priority", p.String())))
}

// Unregister removes the observable callback.
func (e *Exporter) Unregister() error {
	return e.registration.Unregister()
}
