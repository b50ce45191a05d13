// Package batch groups dequeued events into per-type batches.
//
// A batch is flushed when it reaches its size limit, when its timeout
// elapses since the first event arrived, or at once for Critical events and
// events the mode selector marks Immediate. Limits adapt to observed latency
// and throughput through Tune.
package batch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/queue"
)

// Mode selects how an event is dispatched.
type Mode int

const (
	// Batched events wait for their batch to fill or time out.
	Batched Mode = iota
	// Immediate events flush at once, together with anything pending for
	// the same type so order is kept.
	Immediate
)

// String returns the mode name.
func (m Mode) String() string {
	if m == Immediate {
		return "immediate"
	}
	return "batched"
}

// ParseMode parses "immediate" or "batched"; anything else is Batched.
func ParseMode(s string) Mode {
	if s == "immediate" {
		return Immediate
	}
	return Batched
}

// FlushReason records why a batch was emitted.
type FlushReason string

const (
	FlushSize      FlushReason = "size"
	FlushTimeout   FlushReason = "timeout"
	FlushImmediate FlushReason = "immediate"
	FlushShutdown  FlushReason = "shutdown"
)

// Limits bounds one batch.
type Limits struct {
	MaxSize int
	Timeout time.Duration
}

// Batch is a group of same-type events from one tier, in dequeue order.
type Batch struct {
	Tier     event.Priority
	Type     string
	Entries  []queue.Entry
	Deadline time.Time
	Reason   FlushReason
}

// Events returns the batch's events in order.
func (b Batch) Events() []event.Event {
	out := make([]event.Event, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = e.Event
	}
	return out
}

// Len returns the number of events.
func (b Batch) Len() int { return len(b.Entries) }

// Config configures a Batcher.
type Config struct {
	// Tiers holds the starting limits per tier. Critical is always
	// immediate.
	// Default: High {10, 200ms}, Normal {50, 2s}, Low {100, 5s}
	Tiers map[event.Priority]Limits

	// Overrides pins limits for specific event types. Overrides are not
	// tuned.
	Overrides map[string]Limits

	// MinSize and MaxSize bound tuned batch sizes.
	// Default: 1, 500
	MinSize int
	MaxSize int

	// MinTimeout and MaxTimeout bound tuned timeouts.
	// Default: 10ms, 10s
	MinTimeout time.Duration
	MaxTimeout time.Duration

	// LatencyHigh shrinks batches when average latency exceeds it.
	// Default: 100ms
	LatencyHigh time.Duration

	// LatencyLow and ThroughputLow grow batches when both are undercut.
	// Default: 20ms, 10 events/s
	LatencyLow    time.Duration
	ThroughputLow float64
}

// High-tier batches never exceed these regardless of tuning.
const (
	HighMaxSize    = 10
	HighMaxTimeout = 200 * time.Millisecond
)

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Tiers: map[event.Priority]Limits{
		event.High:   {MaxSize: HighMaxSize, Timeout: HighMaxTimeout},
		event.Normal: {MaxSize: 50, Timeout: 2 * time.Second},
		event.Low:    {MaxSize: 100, Timeout: 5 * time.Second},
	},
	MinSize:       1,
	MaxSize:       500,
	MinTimeout:    10 * time.Millisecond,
	MaxTimeout:    10 * time.Second,
	LatencyHigh:   100 * time.Millisecond,
	LatencyLow:    20 * time.Millisecond,
	ThroughputLow: 10,
}

type key struct {
	tier      event.Priority
	eventType string
}

// accumulator holds the pending batch for one (tier, type) key. Its mutex is
// held across emit so batches of one key leave in order.
type accumulator struct {
	mu      sync.Mutex
	pending []queue.Entry
	gen     uint64
	timer   *time.Timer
}

// Batcher accumulates entries per (tier, type) and hands finished batches
// to an emit function.
type Batcher struct {
	cfg  Config
	emit func(Batch)

	limitsMu  sync.RWMutex
	tiers     [4]Limits
	ceiling   [4]Limits
	overrides map[string]Limits

	mu   sync.Mutex
	accs map[key]*accumulator

	pending atomic.Int64
	closed  atomic.Bool
}

// New creates a batcher. emit is called synchronously and may block; that
// back-pressures the caller of Offer for the same key.
func New(cfg Config, emit func(Batch)) *Batcher {
	def := DefaultConfig
	if cfg.MinSize <= 0 {
		cfg.MinSize = def.MinSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MinTimeout <= 0 {
		cfg.MinTimeout = def.MinTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.LatencyHigh <= 0 {
		cfg.LatencyHigh = def.LatencyHigh
	}
	if cfg.LatencyLow <= 0 {
		cfg.LatencyLow = def.LatencyLow
	}
	if cfg.ThroughputLow <= 0 {
		cfg.ThroughputLow = def.ThroughputLow
	}

	b := &Batcher{
		cfg:  cfg,
		emit: emit,
		accs: make(map[key]*accumulator),
	}
	for _, p := range []event.Priority{event.High, event.Normal, event.Low} {
		l, ok := cfg.Tiers[p]
		if !ok || l.MaxSize <= 0 || l.Timeout <= 0 {
			l = def.Tiers[p]
		}
		b.tiers[p] = b.clamp(p, l)
		b.ceiling[p] = b.tiers[p]
	}
	b.tiers[event.Critical] = Limits{MaxSize: 1}
	b.SetOverrides(cfg.Overrides)
	return b
}

// SetOverrides replaces the per-type limits.
func (b *Batcher) SetOverrides(overrides map[string]Limits) {
	copied := make(map[string]Limits, len(overrides))
	for k, v := range overrides {
		copied[k] = v
	}
	b.limitsMu.Lock()
	b.overrides = copied
	b.limitsMu.Unlock()
}

// Limits returns the limits in force for an event type in a tier.
func (b *Batcher) Limits(p event.Priority, eventType string) Limits {
	b.limitsMu.RLock()
	defer b.limitsMu.RUnlock()
	l := b.tiers[p]
	if o, ok := b.overrides[eventType]; ok && p != event.Critical {
		if o.MaxSize > 0 {
			l.MaxSize = o.MaxSize
		}
		if o.Timeout > 0 {
			l.Timeout = o.Timeout
		}
		if p == event.High {
			l = clampHigh(l)
		}
	}
	return l
}

func (b *Batcher) accumulator(k key) *accumulator {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accs[k]
	if !ok {
		acc = &accumulator{}
		b.accs[k] = acc
	}
	return acc
}

// Offer adds an entry. Critical entries and Immediate mode flush at once.
func (b *Batcher) Offer(entry queue.Entry, mode Mode) {
	evt := entry.Event
	k := key{tier: evt.Priority, eventType: evt.Type}
	acc := b.accumulator(k)

	acc.mu.Lock()
	defer acc.mu.Unlock()

	acc.pending = append(acc.pending, entry)
	b.pending.Add(1)

	if evt.Priority == event.Critical || mode == Immediate || b.closed.Load() {
		b.flushLocked(k, acc, FlushImmediate)
		return
	}

	limits := b.Limits(k.tier, k.eventType)
	if len(acc.pending) >= limits.MaxSize {
		b.flushLocked(k, acc, FlushSize)
		return
	}
	if len(acc.pending) == 1 {
		gen := acc.gen
		acc.timer = time.AfterFunc(limits.Timeout, func() {
			b.flushOnTimeout(k, acc, gen)
		})
	}
}

func (b *Batcher) flushOnTimeout(k key, acc *accumulator, gen uint64) {
	acc.mu.Lock()
	defer acc.mu.Unlock()
	// A size or immediate flush already took this batch.
	if acc.gen != gen || len(acc.pending) == 0 {
		return
	}
	b.flushLocked(k, acc, FlushTimeout)
}

// flushLocked swaps out the pending batch and emits it. acc.mu must be held.
func (b *Batcher) flushLocked(k key, acc *accumulator, reason FlushReason) {
	if len(acc.pending) == 0 {
		return
	}
	entries := acc.pending
	acc.pending = nil
	acc.gen++
	if acc.timer != nil {
		acc.timer.Stop()
		acc.timer = nil
	}

	batch := Batch{
		Tier:    k.tier,
		Type:    k.eventType,
		Entries: entries,
		Reason:  reason,
	}
	for _, e := range entries {
		d := e.Event.Deadline
		if !d.IsZero() && (batch.Deadline.IsZero() || d.Before(batch.Deadline)) {
			batch.Deadline = d
		}
	}

	b.emit(batch)
	b.pending.Add(-int64(len(entries)))
}

// FlushAll emits every pending batch. After Close, Offer flushes at once.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	accs := make(map[key]*accumulator, len(b.accs))
	for k, acc := range b.accs {
		accs[k] = acc
	}
	b.mu.Unlock()

	for k, acc := range accs {
		acc.mu.Lock()
		b.flushLocked(k, acc, FlushShutdown)
		acc.mu.Unlock()
	}
}

// Close makes every later Offer flush immediately and flushes what is
// pending.
func (b *Batcher) Close() {
	b.closed.Store(true)
	b.FlushAll()
}

// Pending returns the number of entries waiting in open batches.
func (b *Batcher) Pending() int {
	return int(b.pending.Load())
}

// Tune adapts the tier limits to observed conditions. It returns true when
// any limit changed. Limits shrink under load and grow back no further than
// the configured ones.
func (b *Batcher) Tune(avgLatency time.Duration, throughput float64) bool {
	var grow, shrink bool
	switch {
	case avgLatency > b.cfg.LatencyHigh:
		shrink = true
	case avgLatency < b.cfg.LatencyLow && throughput < b.cfg.ThroughputLow:
		grow = true
	default:
		return false
	}

	b.limitsMu.Lock()
	defer b.limitsMu.Unlock()
	changed := false
	for _, p := range []event.Priority{event.High, event.Normal, event.Low} {
		l := b.tiers[p]
		if shrink {
			l.MaxSize /= 2
			l.Timeout /= 2
		}
		if grow {
			top := b.ceiling[p]
			l.MaxSize = min(l.MaxSize*2, top.MaxSize)
			l.Timeout = min(l.Timeout*2, top.Timeout)
		}
		l = b.clamp(p, l)
		if l != b.tiers[p] {
			b.tiers[p] = l
			changed = true
		}
	}
	return changed
}

// TierLimits returns the current limits of each batching tier.
func (b *Batcher) TierLimits() map[event.Priority]Limits {
	b.limitsMu.RLock()
	defer b.limitsMu.RUnlock()
	return map[event.Priority]Limits{
		event.High:   b.tiers[event.High],
		event.Normal: b.tiers[event.Normal],
		event.Low:    b.tiers[event.Low],
	}
}

func (b *Batcher) clamp(p event.Priority, l Limits) Limits {
	l.MaxSize = max(b.cfg.MinSize, min(b.cfg.MaxSize, l.MaxSize))
	l.Timeout = max(b.cfg.MinTimeout, min(b.cfg.MaxTimeout, l.Timeout))
	if p == event.High {
		l = clampHigh(l)
	}
	return l
}

func clampHigh(l Limits) Limits {
	l.MaxSize = min(l.MaxSize, HighMaxSize)
	l.Timeout = min(l.Timeout, HighMaxTimeout)
	return l
}
