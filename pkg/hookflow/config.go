package hookflow

import (
	"maps"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/batch"
	"github.com/randalmurphal/hookflow/pkg/hookflow/breaker"
	"github.com/randalmurphal/hookflow/pkg/hookflow/dlq"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/monitor"
	"github.com/randalmurphal/hookflow/pkg/hookflow/queue"
	"github.com/randalmurphal/hookflow/pkg/hookflow/trigger"
)

// DefaultWorkers is the number of workers per tier.
var DefaultWorkers = map[event.Priority]int{
	event.Critical: 2,
	event.High:     4,
	event.Normal:   4,
	event.Low:      2,
}

// DefaultTimeouts is the handler deadline per tier.
var DefaultTimeouts = map[event.Priority]time.Duration{
	event.Critical: 50 * time.Millisecond,
	event.High:     500 * time.Millisecond,
	event.Normal:   2 * time.Second,
	event.Low:      5 * time.Second,
}

// DefaultMaxAttempts is how many times an event is delivered to a failing
// handler before it is dead-lettered.
const DefaultMaxAttempts = 3

// DefaultTuneInterval is how often batch limits are re-tuned.
const DefaultTuneInterval = time.Second

// Config configures a Pipeline. Zero fields take their defaults.
type Config struct {
	// SessionID is stamped on events submitted without one.
	SessionID string

	Queue queue.Config
	Batch batch.Config

	// Workers per tier.
	// Default: Critical 2, High 4, Normal 4, Low 2
	Workers map[event.Priority]int

	// Timeouts is the handler deadline per tier. HandlerConfig.Timeout
	// overrides it per handler.
	// Default: Critical 50ms, High 500ms, Normal 2s, Low 5s
	Timeouts map[event.Priority]time.Duration

	// MaxAttempts bounds in-pipeline deliveries of one event to one handler.
	// Default: 3
	MaxAttempts int

	// MaxDepth bounds derived event chains.
	// Default: 10
	MaxDepth int

	// Dedup configures duplicate suppression. Unlike the other fields a
	// zero DefaultWindow is kept and disables deduplication for types
	// without a rule.
	// Default: 1s window, 1000 keys per type
	Dedup event.DedupConfig

	// IDRetention is how long submitted event IDs are remembered.
	// Default: 10m
	IDRetention time.Duration

	DLQ       dlq.Config
	Processor dlq.ProcessorConfig

	// Poison enables poison payload detection in the recovery processor.
	Poison *dlq.PoisonConfig

	Monitor monitor.Config

	// TuneInterval is how often the batcher is re-tuned from the monitor.
	// Default: 1s
	TuneInterval time.Duration

	// Triggers are the agent trigger rules.
	Triggers []trigger.Rule

	// Catalog validates known event types. Default: event.DefaultCatalog()
	Catalog *event.Catalog
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	b := batch.DefaultConfig
	b.Tiers = maps.Clone(b.Tiers)
	return Config{
		Queue:        queue.DefaultConfig,
		Batch:        b,
		Workers:      maps.Clone(DefaultWorkers),
		Timeouts:     maps.Clone(DefaultTimeouts),
		MaxAttempts:  DefaultMaxAttempts,
		MaxDepth:     event.DefaultMaxDepth,
		Dedup:        event.DefaultDedupConfig,
		IDRetention:  event.DefaultIDRetention,
		DLQ:          dlq.DefaultConfig,
		Processor:    dlq.DefaultProcessorConfig,
		Monitor:      monitor.DefaultConfig,
		TuneInterval: DefaultTuneInterval,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	workers := maps.Clone(DefaultWorkers)
	for p, n := range c.Workers {
		if n > 0 {
			workers[p] = n
		}
	}
	c.Workers = workers

	timeouts := maps.Clone(DefaultTimeouts)
	for p, d := range c.Timeouts {
		if d > 0 {
			timeouts[p] = d
		}
	}
	c.Timeouts = timeouts

	if c.Queue.Capacity == nil {
		c.Queue.Capacity = queue.DefaultCapacity
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = event.DefaultMaxDepth
	}
	if c.IDRetention <= 0 {
		c.IDRetention = event.DefaultIDRetention
	}
	if c.TuneInterval <= 0 {
		c.TuneInterval = DefaultTuneInterval
	}
	if c.Catalog == nil {
		c.Catalog = event.DefaultCatalog()
	}
	return c
}

// HandlerConfig configures one handler binding. Zero fields take the
// pipeline defaults.
type HandlerConfig struct {
	// Timeout overrides the tier deadline.
	Timeout time.Duration

	// FailureThreshold and RecoveryTimeout configure the handler's breaker.
	// Default: 5 failures, 30s
	FailureThreshold int
	RecoveryTimeout  time.Duration

	// MaxAttempts overrides Config.MaxAttempts.
	MaxAttempts int
}

func (h HandlerConfig) breaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: h.FailureThreshold,
		RecoveryTimeout:  h.RecoveryTimeout,
	}
}
