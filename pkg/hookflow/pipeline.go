package hookflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/batch"
	"github.com/randalmurphal/hookflow/pkg/hookflow/breaker"
	"github.com/randalmurphal/hookflow/pkg/hookflow/dlq"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/monitor"
	"github.com/randalmurphal/hookflow/pkg/hookflow/observability"
	"github.com/randalmurphal/hookflow/pkg/hookflow/queue"
	"github.com/randalmurphal/hookflow/pkg/hookflow/store"
	"github.com/randalmurphal/hookflow/pkg/hookflow/trigger"
)

// drainPoll is how often Stop and Flush check for outstanding work.
const drainPoll = 5 * time.Millisecond

// Pipeline is the router context. It owns the queues, batcher, workers,
// breakers, dead letter queue, trigger coordinator and monitor of one
// process; nothing is shared through package state.
type Pipeline struct {
	cfg    Config
	opts   options
	logger *slog.Logger

	registry *registry
	routing  atomic.Pointer[routingState]

	dedup   *event.Deduplicator
	ids     *event.IDTracker
	queues  *queue.Set
	batcher *batch.Batcher

	breakers  *breaker.Set
	dlq       *dlq.Queue
	processor *dlq.Processor
	poison    *dlq.PoisonPolicy
	monitor   *monitor.Monitor
	triggers  *trigger.Coordinator
	sessions  store.Store

	// workers holds the inbound channel of every worker, by tier.
	workers [4][]chan batch.Batch

	completion *completion

	// outstanding counts accepted events whose processing has not finished.
	outstanding atomic.Int64
	accepting   atomic.Bool

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	baseCtx   context.Context
	cancel    context.CancelFunc
	dispatch  sync.WaitGroup
	work      sync.WaitGroup
	loops     sync.WaitGroup
}

// New creates a pipeline. Handlers are registered before or after Start.
// Events are accepted at once but only processed once Start has been
// called.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()

	p := &Pipeline{
		cfg:        cfg,
		opts:       o,
		logger:     o.logger,
		registry:   newRegistry(),
		completion: newCompletion(),
		sessions:   o.sessions,
	}
	if p.logger == nil {
		p.logger = observability.DiscardLogger()
	}
	if p.sessions == nil {
		p.sessions = store.NewMemoryStore()
	}
	p.routing.Store(&routingState{})
	p.accepting.Store(true)

	dedupCfg := cfg.Dedup
	dedupCfg.Rules = mergeRules(catalogDedupRules(cfg.Catalog, cfg.Dedup.DefaultWindow), cfg.Dedup.Rules)
	p.dedup = event.NewDeduplicator(dedupCfg)
	p.ids = event.NewIDTracker(cfg.IDRetention)
	p.queues = queue.NewSet(cfg.Queue)
	p.batcher = batch.New(cfg.Batch, p.emit)

	p.breakers = breaker.NewSet(
		breaker.WithClock(o.now),
		breaker.WithStateChange(p.onBreakerTransition),
	)

	p.buildDLQ()

	p.monitor = monitor.New(cfg.Monitor,
		monitor.WithClock(o.now),
		monitor.WithDepths(func() (map[event.Priority]int, map[event.Priority]int) {
			return p.queues.Depths(), p.queues.Capacities()
		}),
		monitor.WithBreakers(p.breakers.Snapshots),
		monitor.WithDLQSize(func() int { return p.dlq.Len(context.Background()) }),
	)

	sink := o.sink
	if sink == nil {
		sink = trigger.NewSubmitSink(func(ctx context.Context, evt event.Event) error {
			_, err := p.submit(ctx, evt)
			return err
		})
	}
	triggers, err := trigger.NewCoordinator(cfg.Triggers, sink,
		trigger.WithLogger(p.logger),
		trigger.WithMetrics(o.metrics),
		trigger.WithClock(o.now),
		trigger.WithRetry(triggerRetry),
	)
	if err != nil {
		p.ids.Close()
		if p.poison != nil {
			p.poison.Close()
		}
		return nil, fmt.Errorf("create trigger coordinator: %w", err)
	}
	p.triggers = triggers

	for _, tier := range event.Priorities {
		n := cfg.Workers[tier]
		p.workers[tier] = make([]chan batch.Batch, n)
		for i := range n {
			p.workers[tier][i] = make(chan batch.Batch, workerBuffer)
		}
	}
	return p, nil
}

// buildDLQ wires the dead letter queue, the recovery policy chain and the
// recovery processor.
func (p *Pipeline) buildDLQ() {
	st := p.opts.dlqStore
	if st == nil {
		st = dlq.NewMemoryStore()
	}

	policy := p.opts.classifier
	if policy == nil {
		policy = dlq.DefaultPolicy{}
	}
	queueOpts := []dlq.QueueOption{dlq.WithClock(p.opts.now)}
	if p.cfg.Poison != nil {
		p.poison = dlq.NewPoisonPolicy(policy, *p.cfg.Poison)
		policy = p.poison
		queueOpts = append(queueOpts, dlq.WithObserver(p.poison))
	}
	if p.opts.fixer != nil {
		policy = dlq.WithFixer(policy, p.opts.fixer)
	}
	p.dlq = dlq.NewQueue(st, p.cfg.DLQ, queueOpts...)

	pcfg := p.cfg.Processor
	pcfg.Policy = policy
	p.processor = dlq.NewProcessor(p.dlq, func(ctx context.Context, evt event.Event) error {
		_, err := p.submit(ctx, evt)
		return err
	}, pcfg, p.logger)
}

// Start launches the dispatchers, workers, recovery processor and tuning
// loop. Processing continues until Stop; ctx only supplies values.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	p.startedAt = p.opts.now()
	p.baseCtx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, tier := range event.Priorities {
		for _, ch := range p.workers[tier] {
			p.work.Add(1)
			go func() {
				defer p.work.Done()
				for b := range ch {
					p.processBatch(b)
				}
			}()
		}
		p.dispatch.Add(1)
		go func() {
			defer p.dispatch.Done()
			p.runDispatcher(tier)
		}()
	}

	p.processor.Start(p.baseCtx)
	p.loops.Add(1)
	go func() {
		defer p.loops.Done()
		p.runTuner()
	}()

	p.logger.Info("pipeline started",
		slog.String("session_id", p.cfg.SessionID),
		slog.Int("handlers", len(p.registry.snapshot().names())))
	return nil
}

// Stop stops admission, drains every queued and batched event, flushes
// pending agent triggers, waits for the workers and stops the background
// loops. If ctx ends first, Stop abandons the drain and returns ctx's error;
// events still queued are lost.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	p.accepting.Store(false)
	if !started {
		p.release()
		return nil
	}

	p.processor.Stop()
	p.batcher.Close()
	drainErr := p.wait(ctx)

	if err := p.triggers.Close(ctx); err != nil {
		p.logger.Warn("flush agent triggers", slog.String("error", err.Error()))
	}
	if drainErr == nil {
		drainErr = p.wait(ctx)
	}

	p.queues.Close()
	p.cancel()
	p.dispatch.Wait()
	// Dispatchers are gone, so no batch can be emitted any more.
	p.batcher.FlushAll()
	for _, tier := range event.Priorities {
		for _, ch := range p.workers[tier] {
			close(ch)
		}
	}
	p.work.Wait()
	p.loops.Wait()
	p.release()

	p.logger.Info("pipeline stopped", slog.Int64("abandoned", p.outstanding.Load()))
	return drainErr
}

func (p *Pipeline) release() {
	p.ids.Close()
	if p.poison != nil {
		p.poison.Close()
	}
}

// Flush emits every open batch and blocks until all accepted events,
// including their retries and derived events, have finished processing.
func (p *Pipeline) Flush(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for p.outstanding.Load() > 0 {
		p.batcher.FlushAll()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// wait blocks until no accepted event is outstanding.
func (p *Pipeline) wait(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for p.outstanding.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain pipeline: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// SubmitResult reports what happened to a submitted event.
type SubmitResult struct {
	// Accepted is true when the event was queued.
	Accepted bool `json:"accepted"`

	EventID string `json:"event_id"`

	// Reason explains a non-accepted event ("duplicate", "filtered").
	Reason string `json:"reason,omitempty"`

	// Duplicate is true when the deduplicator dropped the event.
	Duplicate bool `json:"duplicate,omitempty"`
}

// SubmitEvent creates and submits an event. labels become the event's
// provenance labels.
func (p *Pipeline) SubmitEvent(ctx context.Context, eventType string, payload map[string]any, priority event.Priority, labels map[string]string) (SubmitResult, error) {
	return p.Submit(ctx, event.New(eventType, payload,
		event.WithPriority(priority),
		event.WithLabels(labels),
	))
}

// Submit admits an event: validate, apply routing filters, deduplicate,
// apply the routing priority, enqueue. A duplicate or filtered event is not
// an error; it is reported through the result.
func (p *Pipeline) Submit(ctx context.Context, evt event.Event) (SubmitResult, error) {
	if !p.accepting.Load() {
		return SubmitResult{EventID: evt.ID, Reason: "stopped"}, ErrStopped
	}
	return p.submit(ctx, evt)
}

// submit is the admission path shared by producers, retries, derived events,
// trigger requests and dead letter recovery. Retries and recoveries carry an
// event that was already admitted, so they skip filters, dedup and the ID
// check.
func (p *Pipeline) submit(ctx context.Context, evt event.Event) (SubmitResult, error) {
	if evt.SessionID == "" && p.cfg.SessionID != "" {
		evt = evt.WithSession(p.cfg.SessionID)
	}
	res := SubmitResult{EventID: evt.ID}
	redelivery := evt.Attempt > 0 || evt.Recovery

	if err := evt.Validate(p.cfg.MaxDepth); err != nil {
		return p.rejected(ctx, evt, res, "invalid", err)
	}
	if err := p.cfg.Catalog.Validate(evt); err != nil {
		return p.rejected(ctx, evt, res, "invalid", err)
	}

	if !redelivery {
		rs := p.routing.Load()
		if !rs.admit(evt) {
			res.Reason = "filtered"
			return p.rejected(ctx, evt, res, "filtered", nil)
		}
		if p.dedup.IsDuplicate(evt) {
			res.Reason = "duplicate"
			res.Duplicate = true
			return p.rejected(ctx, evt, res, "duplicate", nil)
		}
		if !p.ids.Claim(evt.ID) {
			return p.rejected(ctx, evt, res, "duplicate_id", event.ErrDuplicateID)
		}
		if prio, ok := rs.priorityOf(evt.Type); ok {
			evt = evt.WithPriorityOverride(prio)
		}
	}

	p.outstanding.Add(1)
	if err := p.queues.Enqueue(ctx, evt); err != nil {
		p.outstanding.Add(-1)
		if !redelivery {
			p.ids.Release(evt.ID)
		}
		outcome := "overflow"
		if errors.Is(err, queue.ErrClosed) {
			outcome = "closed"
			err = ErrStopped
		}
		return p.rejected(ctx, evt, res, outcome, err)
	}

	res.Accepted = true
	p.opts.metrics.RecordSubmit(ctx, evt.Type, evt.Priority.String(), "accepted")
	return res, nil
}

func (p *Pipeline) rejected(ctx context.Context, evt event.Event, res SubmitResult, outcome string, err error) (SubmitResult, error) {
	p.opts.metrics.RecordSubmit(ctx, evt.Type, evt.Priority.String(), outcome)
	reason := outcome
	if err != nil {
		reason = outcome + ": " + err.Error()
	}
	observability.LogSubmitRejected(p.logger, evt, reason)
	return res, err
}

// RegisterHandler binds a handler to an event type, or to a glob pattern of
// types such as "file.*". A name may be registered once per type.
func (p *Pipeline) RegisterHandler(eventType, name string, h event.Handler, cfg HandlerConfig) error {
	return p.registry.register(eventType, name, h, cfg)
}

// DefineHandler catalogs a handler under a name so routing tables can bind
// it to event types. Redefining a name replaces the implementation on the
// next ApplyRouting.
func (p *Pipeline) DefineHandler(name string, h event.Handler, cfg HandlerConfig) error {
	return p.registry.define(name, h, cfg)
}

// Handlers lists every registered or defined handler name.
func (p *Pipeline) Handlers() []string {
	return p.registry.snapshot().names()
}

// Status is a summary of the pipeline's state.
type Status struct {
	Running     bool           `json:"running"`
	Accepting   bool           `json:"accepting"`
	SessionID   string         `json:"session_id,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	Queued      map[string]int `json:"queued"`
	Batching    int            `json:"batching"`
	Outstanding int64          `json:"outstanding"`
	Triggers    int            `json:"pending_triggers"`
	Handlers    []string       `json:"handlers"`
	DLQ         dlq.Stats      `json:"dlq"`
}

// Status reports queue depths, in-flight work and dead letter statistics.
func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	p.mu.Lock()
	running := p.started && !p.stopped
	startedAt := p.startedAt
	p.mu.Unlock()

	queued := make(map[string]int, len(event.Priorities))
	for tier, n := range p.queues.Depths() {
		queued[tier.String()] = n
	}
	st := Status{
		Running:     running,
		Accepting:   p.accepting.Load(),
		SessionID:   p.cfg.SessionID,
		StartedAt:   startedAt,
		Queued:      queued,
		Batching:    p.batcher.Pending(),
		Outstanding: p.outstanding.Load(),
		Triggers:    p.triggers.Pending(),
		Handlers:    p.Handlers(),
	}
	stats, err := p.dlq.Stats(ctx)
	if err != nil {
		return st, fmt.Errorf("dead letter stats: %w", err)
	}
	st.DLQ = stats
	return st, nil
}

// Snapshot returns the monitor's metrics view.
func (p *Pipeline) Snapshot() monitor.Snapshot {
	return p.monitor.Snapshot()
}

// Monitor exposes the performance monitor, for metric export.
func (p *Pipeline) Monitor() *monitor.Monitor {
	return p.monitor
}

func (p *Pipeline) onBreakerTransition(t breaker.Transition) {
	observability.LogBreakerTransition(p.logger, t.Name, t.From.String(), t.To.String())
	p.opts.metrics.RecordBreakerTransition(context.Background(), t.Name, strings.ToLower(t.To.String()))
}

// runTuner feeds the monitor's view into the batcher until Stop.
func (p *Pipeline) runTuner() {
	ticker := time.NewTicker(p.cfg.TuneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case <-ticker.C:
			if p.monitor.Samples() == 0 {
				continue
			}
			if p.batcher.Tune(p.monitor.AverageLatency(), p.monitor.Throughput()) {
				limits := make(map[string]any, len(event.Priorities))
				for tier, l := range p.batcher.TierLimits() {
					limits[tier.String()] = map[string]any{"max_size": l.MaxSize, "timeout": l.Timeout.String()}
				}
				p.logger.Debug("batch limits tuned", slog.Any("limits", limits))
			}
		}
	}
}

// catalogDedupRules turns the catalog's dedup keys into rules using the
// default window.
func catalogDedupRules(c *event.Catalog, window time.Duration) map[string]event.DedupRule {
	rules := make(map[string]event.DedupRule)
	for _, t := range c.Types() {
		spec, ok := c.Get(t)
		if !ok || len(spec.DedupKeys) == 0 || strings.Contains(t, "*") {
			continue
		}
		rules[t] = event.DedupRule{Window: window, Key: event.FieldsKey(spec.DedupKeys...)}
	}
	return rules
}

// mergeRules layers rule sets; later sets win.
func mergeRules(sets ...map[string]event.DedupRule) map[string]event.DedupRule {
	out := make(map[string]event.DedupRule)
	for _, s := range sets {
		maps.Copy(out, s)
	}
	return out
}
