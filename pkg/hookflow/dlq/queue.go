package dlq

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	hferrors "github.com/randalmurphal/hookflow/pkg/hookflow/errors"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// DefaultSchedule is the delay before each automatic retry: immediately,
// then 30 seconds, 5 minutes and 30 minutes after the previous failure.
var DefaultSchedule = []time.Duration{0, 30 * time.Second, 5 * time.Minute, 30 * time.Minute}

// Config configures a Queue.
type Config struct {
	// Schedule lists the delay before each retry. When every delay has been
	// used the entry becomes terminal.
	Schedule []time.Duration

	// CircuitOpenDelay is how long a circuit-open capture waits before its
	// next retry. Circuit-open failures never advance the schedule.
	// Default: 30s
	CircuitOpenDelay time.Duration

	// LeaseTimeout bounds how long a dispatched retry may stay unresolved
	// before the entry is delivered again.
	// Default: 5m
	LeaseTimeout time.Duration

	// OnCapture is called after an entry is created or updated by a failure.
	OnCapture func(*Entry)

	// OnTerminal is called when an entry becomes terminal.
	OnTerminal func(*Entry)
}

// DefaultConfig provides the standard retry schedule.
var DefaultConfig = Config{
	Schedule:         DefaultSchedule,
	CircuitOpenDelay: 30 * time.Second,
	LeaseTimeout:     5 * time.Minute,
}

// Observer sees every captured entry. PoisonPolicy implements it.
type Observer interface {
	Observe(e *Entry)
}

// Stats summarizes queue activity.
type Stats struct {
	Size      int            `json:"size"`
	Terminal  int            `json:"terminal"`
	InFlight  int            `json:"in_flight"`
	ByType    map[string]int `json:"by_type,omitempty"`
	Captured  int64          `json:"captured"`
	Retried   int64          `json:"retried"`
	Recovered int64          `json:"recovered"`
	Resolved  int64          `json:"resolved"`
}

// Queue owns the dead letter lifecycle on top of a Store: capture,
// scheduling, leasing and manual resolution.
type Queue struct {
	store     Store
	cfg       Config
	now       func() time.Time
	observers []Observer

	// mu serializes read-modify-write cycles so each entry has one writer.
	mu sync.Mutex

	captured  atomic.Int64
	retried   atomic.Int64
	recovered atomic.Int64
	resolved  atomic.Int64
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithClock overrides the queue's time source.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithObserver registers an observer for captured entries.
func WithObserver(o Observer) QueueOption {
	return func(q *Queue) { q.observers = append(q.observers, o) }
}

// NewQueue creates a queue backed by store.
func NewQueue(store Store, cfg Config, opts ...QueueOption) *Queue {
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = DefaultConfig.Schedule
	}
	if cfg.CircuitOpenDelay <= 0 {
		cfg.CircuitOpenDelay = DefaultConfig.CircuitOpenDelay
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultConfig.LeaseTimeout
	}
	q := &Queue{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Store returns the backing store.
func (q *Queue) Store() Store { return q.store }

// Schedule returns the configured retry schedule.
func (q *Queue) Schedule() []time.Duration { return q.cfg.Schedule }

// classify maps an error category to an initial classification.
func classify(cat hferrors.Category) Classification {
	switch cat {
	case hferrors.CategoryPermanent:
		return Terminal
	case hferrors.CategoryFixable:
		return Fixable
	default:
		return Transient
	}
}

// Capture records a failed delivery of evt to handler.
//
// A new entry is scheduled for an immediate retry. A recapture of an entry
// whose retry was in flight advances along the schedule and becomes terminal
// once the schedule is exhausted. Circuit-open failures wait CircuitOpenDelay
// and leave the schedule position unchanged.
func (q *Queue) Capture(ctx context.Context, evt event.Event, handler string, cause error) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	id := EntryID(evt.ID, handler)
	circuitOpen := event.IsCircuitOpen(cause)
	cat := hferrors.Categorize(cause)

	e, err := q.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		e = &Entry{
			ID:             id,
			Handler:        handler,
			Classification: classify(cat),
			CapturedAt:     now,
			NextRetryAt:    now.Add(q.cfg.Schedule[0]),
		}
		if circuitOpen {
			e.NextRetryAt = now.Add(q.cfg.CircuitOpenDelay)
		}
	case err != nil:
		return nil, fmt.Errorf("load dead letter %s: %w", id, err)
	default:
		wasLeased := !e.InFlightUntil.IsZero()
		e.InFlightUntil = time.Time{}
		switch {
		case e.Classification == Terminal:
		case circuitOpen:
			if wasLeased && e.Retries > 0 {
				e.Retries--
			}
			e.NextRetryAt = now.Add(q.cfg.CircuitOpenDelay)
		case cat == hferrors.CategoryPermanent:
			e.Classification = Terminal
		case e.Retries >= len(q.cfg.Schedule):
			e.Classification = Terminal
		default:
			e.Classification = classify(cat)
			e.NextRetryAt = now.Add(q.cfg.Schedule[e.Retries])
		}
	}

	e.Event = evt
	e.FailureReason = event.FailureReason(cause)
	e.Category = cat.String()
	e.UpdatedAt = now
	if e.Classification == Terminal {
		e.NextRetryAt = time.Time{}
	}

	if err := q.store.Put(ctx, e); err != nil {
		return nil, fmt.Errorf("store dead letter %s: %w", id, err)
	}
	q.captured.Add(1)

	for _, o := range q.observers {
		o.Observe(e.Clone())
	}
	if q.cfg.OnCapture != nil {
		q.cfg.OnCapture(e.Clone())
	}
	if e.Classification == Terminal && q.cfg.OnTerminal != nil {
		q.cfg.OnTerminal(e.Clone())
	}
	return e.Clone(), nil
}

// Acknowledge removes the entry for a delivery that has now succeeded. It
// reports whether an entry existed.
func (q *Queue) Acknowledge(ctx context.Context, eventID, handler string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.store.Delete(ctx, EntryID(eventID, handler))
	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("acknowledge dead letter: %w", err)
	}
	q.recovered.Add(1)
	return true, nil
}

// Lease claims up to limit due entries for retry. Each claimed entry
// consumes one schedule slot and stays leased for LeaseTimeout. An entry
// whose lease expired after the last scheduled retry becomes terminal
// instead of being delivered again.
func (q *Queue) Lease(ctx context.Context, limit int) ([]*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	due, err := q.store.List(ctx, Filter{DueAt: now, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list due dead letters: %w", err)
	}

	leased := make([]*Entry, 0, len(due))
	for _, e := range due {
		if !e.InFlightUntil.IsZero() && e.Retries >= len(q.cfg.Schedule) {
			e.Classification = Terminal
			e.InFlightUntil = time.Time{}
			e.NextRetryAt = time.Time{}
			e.UpdatedAt = now
			if err := q.store.Put(ctx, e); err != nil {
				return leased, fmt.Errorf("expire dead letter %s: %w", e.ID, err)
			}
			if q.cfg.OnTerminal != nil {
				q.cfg.OnTerminal(e.Clone())
			}
			continue
		}
		e.Retries++
		e.InFlightUntil = now.Add(q.cfg.LeaseTimeout)
		e.UpdatedAt = now
		if err := q.store.Put(ctx, e); err != nil {
			return leased, fmt.Errorf("lease dead letter %s: %w", e.ID, err)
		}
		q.retried.Add(1)
		leased = append(leased, e.Clone())
	}
	return leased, nil
}

// MarkTerminal stops automatic retries of an entry.
func (q *Queue) MarkTerminal(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	e.Classification = Terminal
	e.InFlightUntil = time.Time{}
	e.NextRetryAt = time.Time{}
	if reason != "" {
		e.FailureReason = reason
	}
	e.UpdatedAt = q.now()
	if err := q.store.Put(ctx, e); err != nil {
		return fmt.Errorf("mark dead letter %s terminal: %w", id, err)
	}
	if q.cfg.OnTerminal != nil {
		q.cfg.OnTerminal(e.Clone())
	}
	return nil
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	return q.store.Get(ctx, id)
}

// Replay yields entries matching f in capture order. It reads a snapshot;
// entries captured after the call starts are not included.
func (q *Queue) Replay(ctx context.Context, f Filter) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		entries, err := q.store.List(ctx, f)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Resolve removes an entry after manual intervention.
func (q *Queue) Resolve(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("resolve dead letter %s: %w", id, err)
	}
	q.resolved.Add(1)
	return nil
}

// Purge deletes every entry matching f and returns how many were removed.
func (q *Queue) Purge(ctx context.Context, f Filter) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.store.List(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}
	n := 0
	for _, e := range entries {
		if err := q.store.Delete(ctx, e.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return n, fmt.Errorf("purge dead letter %s: %w", e.ID, err)
		}
		n++
	}
	q.resolved.Add(int64(n))
	return n, nil
}

// NeedsResolution lists terminal entries awaiting manual intervention.
func (q *Queue) NeedsResolution(ctx context.Context) ([]*Entry, error) {
	return q.store.List(ctx, Filter{Classifications: []Classification{Terminal}})
}

// Requeue restarts the retry schedule of an entry and makes it due now.
func (q *Queue) Requeue(ctx context.Context, id string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := q.now()
	e.Retries = 0
	e.Classification = Transient
	e.InFlightUntil = time.Time{}
	e.NextRetryAt = now
	e.UpdatedAt = now
	if err := q.store.Put(ctx, e); err != nil {
		return nil, fmt.Errorf("requeue dead letter %s: %w", id, err)
	}
	return e.Clone(), nil
}

// Len returns the number of stored entries, or zero if the store fails.
func (q *Queue) Len(ctx context.Context) int {
	n, err := q.store.Count(ctx)
	if err != nil {
		return 0
	}
	return n
}

// Stats returns the current queue statistics.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	entries, err := q.store.List(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	now := q.now()
	st := Stats{
		Size:      len(entries),
		ByType:    make(map[string]int),
		Captured:  q.captured.Load(),
		Retried:   q.retried.Load(),
		Recovered: q.recovered.Load(),
		Resolved:  q.resolved.Load(),
	}
	for _, e := range entries {
		st.ByType[e.Event.Type]++
		if e.Classification == Terminal {
			st.Terminal++
		}
		if e.Leased(now) {
			st.InFlight++
		}
	}
	return st, nil
}
