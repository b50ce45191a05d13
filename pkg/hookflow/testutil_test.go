package hookflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/hookflow/pkg/hookflow"
	"github.com/randalmurphal/hookflow/pkg/hookflow/batch"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// testConfig returns a config with short batch windows, no deduplication
// and background loops slowed down so tests drive them explicitly.
func testConfig() hookflow.Config {
	cfg := hookflow.DefaultConfig()
	cfg.Dedup.DefaultWindow = 0
	cfg.TuneInterval = time.Hour
	cfg.Processor.PollInterval = time.Hour
	cfg.Batch.Tiers = map[event.Priority]batch.Limits{
		event.High:   {MaxSize: 10, Timeout: 10 * time.Millisecond},
		event.Normal: {MaxSize: 50, Timeout: 20 * time.Millisecond},
		event.Low:    {MaxSize: 100, Timeout: 30 * time.Millisecond},
	}
	return cfg
}

// newPipeline creates a pipeline and stops it when the test ends.
func newPipeline(t *testing.T, cfg hookflow.Config, opts ...hookflow.Option) *hookflow.Pipeline {
	t.Helper()
	p, err := hookflow.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func start(t *testing.T, p *hookflow.Pipeline) {
	t.Helper()
	require.NoError(t, p.Start(context.Background()))
}

func flush(t *testing.T, p *hookflow.Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))
}

// recorder is a handler that remembers every event it sees. fail, when set,
// decides the handler's error per call.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
	fail   func(call int, evt event.Event) error
	emit   func(evt event.Event) []event.Event
}

func (r *recorder) Handle(_ context.Context, evt event.Event) ([]event.Event, error) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	call := len(r.events)
	r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(call, evt); err != nil {
			return nil, err
		}
	}
	if r.emit != nil {
		return r.emit(evt), nil
	}
	return nil, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) seen() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Event, len(r.events))
	copy(out, r.events)
	return out
}

// batchRecorder is a batch handler that remembers each batch.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]event.Event
	at      []time.Time
}

func (b *batchRecorder) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	return b.HandleBatch(ctx, []event.Event{evt})
}

func (b *batchRecorder) HandleBatch(_ context.Context, events []event.Event) ([]event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, events)
	b.at = append(b.at, time.Now())
	return nil, nil
}

func (b *batchRecorder) sizes() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.batches))
	for i, batch := range b.batches {
		out[i] = len(batch)
	}
	return out
}
