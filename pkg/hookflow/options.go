package hookflow

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/dlq"
	hferrors "github.com/randalmurphal/hookflow/pkg/hookflow/errors"
	"github.com/randalmurphal/hookflow/pkg/hookflow/observability"
	"github.com/randalmurphal/hookflow/pkg/hookflow/store"
	"github.com/randalmurphal/hookflow/pkg/hookflow/trigger"
)

// options holds the collaborators of a Pipeline.
type options struct {
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	sessions   store.Store
	dlqStore   dlq.Store
	sink       trigger.Sink
	classifier dlq.Policy
	fixer      dlq.Fixer
	now        func() time.Time
}

func defaultOptions() options {
	return options{
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		now:     time.Now,
	}
}

// Option configures a Pipeline.
type Option func(*options)

// WithLogger enables structured logging.
// Default: nothing is logged.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	p, err := hookflow.New(cfg, hookflow.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics enables metrics recording.
// Default: observability.NoopMetrics{}
//
// Example:
//
//	p, err := hookflow.New(cfg, hookflow.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracing enables OpenTelemetry spans for batches and handler calls.
// The global tracer provider must be configured separately.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		if enabled {
			o.spans = observability.NewSpanManager()
		} else {
			o.spans = observability.NoopSpanManager{}
		}
	}
}

// WithSpanManager sets a specific span manager, typically one built on a
// test tracer.
func WithSpanManager(s observability.SpanManager) Option {
	return func(o *options) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithSessionStore sets the session log.
// Default: store.NewMemoryStore()
func WithSessionStore(s store.Store) Option {
	return func(o *options) {
		o.sessions = s
	}
}

// WithDLQStore sets the dead letter backend.
// Default: dlq.NewMemoryStore()
func WithDLQStore(s dlq.Store) Option {
	return func(o *options) {
		o.dlqStore = s
	}
}

// WithTriggerSink sets where agent trigger requests go.
// Default: requests are resubmitted as agent.trigger events.
func WithTriggerSink(s trigger.Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}

// WithClassifier sets the recovery processor's classification policy. A
// policy that also implements dlq.Fixer transforms fixable entries.
// Default: dlq.DefaultPolicy{}
func WithClassifier(p dlq.Policy) Option {
	return func(o *options) {
		o.classifier = p
	}
}

// WithFixer attaches a fixer for fixable dead letters to the classifier.
func WithFixer(f dlq.Fixer) Option {
	return func(o *options) {
		o.fixer = f
	}
}

// WithClock replaces time.Now for the dead letter queue and monitor.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// triggerRetry is the delivery retry used for trigger sinks.
var triggerRetry = hferrors.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
	BackoffFactor:  2,
	Jitter:         0.1,
}
