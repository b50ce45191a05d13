// Package queue holds admitted events in four bounded priority tiers.
//
// Each tier is a FIFO ring buffer with its own lock. Consumers drain with
// strict priority: a tier only yields entries while every higher tier is
// empty.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// ErrClosed is returned by operations on a closed set.
var ErrClosed = errors.New("queue closed")

// OverflowPolicy decides what happens when the Critical tier is full.
type OverflowPolicy string

const (
	// OverflowReject returns QueueOverflowError to the producer.
	OverflowReject OverflowPolicy = "reject"
	// OverflowBlock blocks the producer until space frees up or its context
	// ends.
	OverflowBlock OverflowPolicy = "block"
)

// Config configures tier capacities.
type Config struct {
	// Capacity per tier.
	// Default: Critical 1000, High 5000, Normal 10000, Low 20000
	Capacity map[event.Priority]int

	// CriticalOverflow applies to the Critical tier only; lower tiers always
	// reject.
	// Default: OverflowReject
	CriticalOverflow OverflowPolicy

	// PollInterval bounds how long an idle consumer sleeps between checks of
	// higher tiers.
	// Default: 10ms
	PollInterval time.Duration
}

// DefaultCapacity holds the default tier sizes.
var DefaultCapacity = map[event.Priority]int{
	event.Critical: 1000,
	event.High:     5000,
	event.Normal:   10000,
	event.Low:      20000,
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Capacity:         DefaultCapacity,
	CriticalOverflow: OverflowReject,
	PollInterval:     10 * time.Millisecond,
}

// Entry is an event waiting in a tier.
type Entry struct {
	Event      event.Event
	EnqueuedAt time.Time
}

// Tier is a bounded FIFO for one priority.
type Tier struct {
	priority event.Priority

	mu    sync.Mutex
	items []Entry
	head  int
	size  int

	// ready is signalled after every push. Capacity 1 coalesces wake-ups.
	ready chan struct{}
	// space is signalled after every pop, for blocked producers.
	space chan struct{}
}

func newTier(p event.Priority, capacity int) *Tier {
	return &Tier{
		priority: p,
		items:    make([]Entry, capacity),
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

// Priority returns the tier's priority.
func (t *Tier) Priority() event.Priority { return t.priority }

// Capacity returns the tier's bound.
func (t *Tier) Capacity() int { return len(t.items) }

// Len returns the number of queued entries.
func (t *Tier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

func (t *Tier) push(e Entry) bool {
	t.mu.Lock()
	if t.size == len(t.items) {
		t.mu.Unlock()
		return false
	}
	t.items[(t.head+t.size)%len(t.items)] = e
	t.size++
	t.mu.Unlock()

	signal(t.ready)
	return true
}

func (t *Tier) pop() (Entry, bool) {
	t.mu.Lock()
	if t.size == 0 {
		t.mu.Unlock()
		return Entry{}, false
	}
	e := t.items[t.head]
	t.items[t.head] = Entry{}
	t.head = (t.head + 1) % len(t.items)
	t.size--
	t.mu.Unlock()

	signal(t.space)
	return e, true
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Set is the collection of the four tiers.
type Set struct {
	tiers            [4]*Tier
	criticalOverflow OverflowPolicy
	pollInterval     time.Duration

	closed  atomic.Bool
	closeCh chan struct{}
	now     func() time.Time
}

// NewSet creates a tier set. Missing capacities fall back to
// DefaultCapacity.
func NewSet(cfg Config) *Set {
	if cfg.CriticalOverflow == "" {
		cfg.CriticalOverflow = DefaultConfig.CriticalOverflow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	s := &Set{
		criticalOverflow: cfg.CriticalOverflow,
		pollInterval:     cfg.PollInterval,
		closeCh:          make(chan struct{}),
		now:              time.Now,
	}
	for _, p := range event.Priorities {
		c := cfg.Capacity[p]
		if c <= 0 {
			c = DefaultCapacity[p]
		}
		s.tiers[p] = newTier(p, c)
	}
	return s
}

// Tier returns the tier for p.
func (s *Set) Tier(p event.Priority) *Tier {
	return s.tiers[p]
}

// Enqueue admits evt into its tier. Lower tiers reject when full; the
// Critical tier follows the configured overflow policy.
func (s *Set) Enqueue(ctx context.Context, evt event.Event) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !evt.Priority.Valid() {
		return &event.ValidationError{Field: "priority", Message: "unknown priority tier"}
	}
	t := s.tiers[evt.Priority]

	for {
		if t.push(Entry{Event: evt, EnqueuedAt: s.now()}) {
			return nil
		}
		if evt.Priority != event.Critical || s.criticalOverflow != OverflowBlock {
			return &event.QueueOverflowError{Priority: evt.Priority, Capacity: t.Capacity()}
		}
		select {
		case <-t.space:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeCh:
			return ErrClosed
		}
	}
}

// higherPending reports whether any tier above p holds entries.
func (s *Set) higherPending(p event.Priority) bool {
	for hp := event.Critical; hp < p; hp++ {
		if s.tiers[hp].Len() > 0 {
			return true
		}
	}
	return false
}

// TryNext pops the oldest entry of tier p if no higher tier is pending.
func (s *Set) TryNext(p event.Priority) (Entry, bool) {
	if s.higherPending(p) {
		return Entry{}, false
	}
	return s.tiers[p].pop()
}

// Next blocks until tier p yields an entry under strict priority. It returns
// false when ctx ends, or when the set is closed and the tier is drained.
func (s *Set) Next(ctx context.Context, p event.Priority) (Entry, bool) {
	t := s.tiers[p]
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	closeCh := s.closeCh

	for {
		if e, ok := s.TryNext(p); ok {
			return e, true
		}
		if s.closed.Load() && t.Len() == 0 {
			return Entry{}, false
		}
		select {
		case <-t.ready:
		case <-ticker.C:
		case <-ctx.Done():
			return Entry{}, false
		case <-closeCh:
			// Keep draining until the tier is empty.
			closeCh = nil
		}
	}
}

// Drain pops every remaining entry of tier p regardless of priority order.
func (s *Set) Drain(p event.Priority) []Entry {
	var out []Entry
	for {
		e, ok := s.tiers[p].pop()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

// Depths reports the number of queued entries per tier.
func (s *Set) Depths() map[event.Priority]int {
	out := make(map[event.Priority]int, len(s.tiers))
	for _, t := range s.tiers {
		out[t.priority] = t.Len()
	}
	return out
}

// Capacities reports each tier's bound.
func (s *Set) Capacities() map[event.Priority]int {
	out := make(map[event.Priority]int, len(s.tiers))
	for _, t := range s.tiers {
		out[t.priority] = t.Capacity()
	}
	return out
}

// Len returns the total number of queued entries.
func (s *Set) Len() int {
	n := 0
	for _, t := range s.tiers {
		n += t.Len()
	}
	return n
}

// Close stops admission. Consumers keep draining what is queued.
func (s *Set) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.closeCh)
	}
}

// Closed reports whether Close was called.
func (s *Set) Closed() bool {
	return s.closed.Load()
}
