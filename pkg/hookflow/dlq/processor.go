package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// ResubmitFunc sends a recovered event back through the normal submit path.
type ResubmitFunc func(ctx context.Context, evt event.Event) error

// ProcessorConfig configures the recovery processor.
type ProcessorConfig struct {
	// BatchSize is the number of entries leased per poll.
	// Default: 10
	BatchSize int

	// PollInterval is how often to check for due entries.
	// Default: 1 second
	PollInterval time.Duration

	// Policy classifies due entries. Default: DefaultPolicy
	Policy Policy

	// OnRetry is called before an entry is resubmitted.
	OnRetry func(*Entry)

	// OnTerminal is called when the policy marks an entry terminal.
	OnTerminal func(*Entry)
}

// DefaultProcessorConfig provides reasonable defaults.
var DefaultProcessorConfig = ProcessorConfig{
	BatchSize:    10,
	PollInterval: time.Second,
}

// Processor periodically retries due dead letters.
type Processor struct {
	queue    *Queue
	resubmit ResubmitFunc
	cfg      ProcessorConfig
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewProcessor creates a processor that resubmits through resubmit.
func NewProcessor(q *Queue, resubmit ResubmitFunc, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultProcessorConfig.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultProcessorConfig.PollInterval
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		queue:    q,
		resubmit: resubmit,
		cfg:      cfg,
		logger:   logger.With("component", "dlq"),
	}
}

// Start begins polling. It is a no-op if already running.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(ctx, p.stopCh, p.done)
}

// Stop halts polling and waits for the current pass to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	p.mu.Unlock()
	<-done
}

func (p *Processor) run(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := p.ProcessDue(ctx); err != nil {
				p.logger.Warn("dead letter pass failed", "error", err)
			}
		}
	}
}

// ProcessDue leases due entries until none remain and acts on each. It
// returns the number of entries handled.
func (p *Processor) ProcessDue(ctx context.Context) (int, error) {
	total := 0
	for {
		entries, err := p.queue.Lease(ctx, p.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		for _, e := range entries {
			p.process(ctx, e)
		}
		total += len(entries)
		if len(entries) < p.cfg.BatchSize || ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (p *Processor) process(ctx context.Context, e *Entry) {
	switch p.cfg.Policy.Classify(ctx, e) {
	case Terminal:
		p.terminal(ctx, e, "")
		return

	case Fixable:
		if fixer, ok := fixerOf(p.cfg.Policy); ok {
			fixed, err := fixer.Fix(ctx, e)
			if err != nil {
				p.terminal(ctx, e, fmt.Sprintf("fix failed: %v", err))
				return
			}
			p.retry(ctx, e, fixed.Recover(e.Handler))
			return
		}
	}
	p.retry(ctx, e, e.Event.Recover(e.Handler))
}

func (p *Processor) retry(ctx context.Context, e *Entry, evt event.Event) {
	if p.cfg.OnRetry != nil {
		p.cfg.OnRetry(e)
	}
	p.logger.Debug("retrying dead letter",
		"entry_id", e.ID,
		"event_id", e.Event.ID,
		"event_type", e.Event.Type,
		"handler", e.Handler,
		"retry", e.Retries,
	)
	if err := p.resubmit(ctx, evt); err != nil {
		// Resubmission itself failed (queue full, shutting down); count it
		// as a failed retry so the schedule keeps moving.
		if _, cerr := p.queue.Capture(ctx, e.Event, e.Handler, err); cerr != nil {
			p.logger.Error("recapture dead letter", "entry_id", e.ID, "error", cerr)
		}
	}
}

func (p *Processor) terminal(ctx context.Context, e *Entry, reason string) {
	if err := p.queue.MarkTerminal(ctx, e.ID, reason); err != nil {
		p.logger.Error("mark dead letter terminal", "entry_id", e.ID, "error", err)
		return
	}
	p.logger.Warn("dead letter needs manual resolution",
		"entry_id", e.ID,
		"event_id", e.Event.ID,
		"event_type", e.Event.Type,
		"handler", e.Handler,
		"reason", e.FailureReason,
	)
	if p.cfg.OnTerminal != nil {
		p.cfg.OnTerminal(e)
	}
}
