package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	hferrors "github.com/randalmurphal/hookflow/pkg/hookflow/errors"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/expr"
	"github.com/randalmurphal/hookflow/pkg/hookflow/observability"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("trigger coordinator closed")

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock sets the time source used for cooldown bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithEvaluator sets the condition evaluator.
func WithEvaluator(e *expr.Evaluator) Option {
	return func(c *Coordinator) {
		c.eval = e
	}
}

// WithRetry sets the retry policy for sink delivery.
// Default: errors.DefaultRetry
func WithRetry(cfg hferrors.RetryConfig) Option {
	return func(c *Coordinator) {
		c.retry = cfg
	}
}

// cooldown is the debounce state of one rule.
type cooldown struct {
	rule      Rule
	lastFired time.Time
	pending   *Request
	timer     *time.Timer
}

// Coordinator evaluates rules against processed events and debounces the
// resulting requests.
type Coordinator struct {
	sink    Sink
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	eval    *expr.Evaluator
	now     func() time.Time
	retry   hferrors.RetryConfig

	mu     sync.Mutex
	rules  []*cooldown
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator validates rules and creates a coordinator delivering to
// sink.
func NewCoordinator(rules []Rule, sink Sink, opts ...Option) (*Coordinator, error) {
	if sink == nil {
		return nil, fmt.Errorf("trigger sink is required")
	}
	c := &Coordinator{
		sink:    sink,
		metrics: observability.NoopMetrics{},
		eval:    expr.New(),
		now:     time.Now,
		retry:   hferrors.DefaultRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Replace(rules); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace swaps in a new rule set. Rules that are unchanged keep their
// cooldown state and any pending trailing trigger; pending triggers of
// removed or changed rules are dropped.
func (c *Coordinator) Replace(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Agent] {
			return fmt.Errorf("trigger rule %s: duplicate agent", r.Agent)
		}
		seen[r.Agent] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old := make(map[string]*cooldown, len(c.rules))
	for _, cd := range c.rules {
		old[cd.rule.Agent] = cd
	}
	next := make([]*cooldown, 0, len(rules))
	for _, r := range rules {
		if cd, ok := old[r.Agent]; ok && cd.rule.sameAs(r) {
			next = append(next, cd)
			delete(old, r.Agent)
			continue
		}
		next = append(next, &cooldown{rule: r})
	}
	for _, cd := range old {
		if cd.timer != nil {
			cd.timer.Stop()
			cd.timer = nil
		}
		cd.pending = nil
	}
	c.rules = next
	return nil
}

// Rules returns the current rule set.
func (c *Coordinator) Rules() []Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Rule, len(c.rules))
	for i, cd := range c.rules {
		out[i] = cd.rule
	}
	return out
}

// OnEventProcessed evaluates every rule against evt. Matching rules outside
// their debounce window deliver at once; the rest fold evt into their
// pending trailing trigger. It returns the number of requests delivered
// immediately.
func (c *Coordinator) OnEventProcessed(ctx context.Context, evt event.Event) (int, error) {
	vars := evt.Vars()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	var fire []Request
	var errs []error
	now := c.now()
	for _, cd := range c.rules {
		if !cd.rule.listens(evt.Type) {
			continue
		}
		ok, err := c.eval.All(cd.rule.Conditions, vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", cd.rule.Agent, err))
			continue
		}
		if !ok {
			continue
		}

		req := newRequest(cd.rule, evt, now)
		window := cd.rule.Debounce
		if window <= 0 || cd.lastFired.IsZero() || now.Sub(cd.lastFired) >= window {
			cd.lastFired = now
			fire = append(fire, req)
			continue
		}

		if cd.pending != nil {
			req.Collapsed = cd.pending.Collapsed + 1
		}
		cd.pending = &req
		if cd.timer == nil {
			wait := window - now.Sub(cd.lastFired)
			cd.timer = time.AfterFunc(wait, func() { c.fireTrailing(cd) })
		}
	}
	c.mu.Unlock()

	for _, req := range fire {
		if err := c.deliver(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return len(fire), errors.Join(errs...)
}

func newRequest(r Rule, evt event.Event, now time.Time) Request {
	return Request{
		ID:          uuid.NewString(),
		Agent:       r.Agent,
		EventID:     evt.ID,
		EventType:   evt.Type,
		SessionID:   evt.SessionID,
		Priority:    r.Priority,
		Context:     buildContext(r, evt),
		RequestedAt: now,
		Source:      evt,
	}
}

// fireTrailing delivers a rule's pending trigger when its window closes.
func (c *Coordinator) fireTrailing(cd *cooldown) {
	c.mu.Lock()
	cd.timer = nil
	req := cd.pending
	cd.pending = nil
	if req == nil || c.closed {
		c.mu.Unlock()
		return
	}
	now := c.now()
	cd.lastFired = now
	req.RequestedAt = now
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	if err := c.deliver(context.Background(), *req); err != nil && c.logger != nil {
		c.logger.Error("trailing trigger delivery failed",
			slog.String("agent", req.Agent),
			slog.String("error", err.Error()))
	}
}

// deliver hands req to the sink with retries.
func (c *Coordinator) deliver(ctx context.Context, req Request) error {
	res := hferrors.WithRetryContext(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.sink.Deliver(ctx, req)
	})
	if res.Err != nil {
		return fmt.Errorf("deliver trigger for %s: %w", req.Agent, res.Err)
	}
	observability.LogTrigger(c.logger, req.Agent, req.EventType, req.Collapsed)
	c.metrics.RecordTrigger(ctx, req.Agent, req.Collapsed)
	return nil
}

// Pending returns the number of rules holding a trailing trigger.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cd := range c.rules {
		if cd.pending != nil {
			n++
		}
	}
	return n
}

// Close stops the window timers and delivers every pending trailing trigger
// so none is lost at shutdown. It is safe to call more than once.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var flush []Request
	for _, cd := range c.rules {
		if cd.timer != nil {
			cd.timer.Stop()
			cd.timer = nil
		}
		if cd.pending != nil {
			flush = append(flush, *cd.pending)
			cd.pending = nil
		}
	}
	c.mu.Unlock()

	c.wg.Wait()
	var errs []error
	for _, req := range flush {
		if err := c.deliver(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
