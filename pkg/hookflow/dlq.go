package hookflow

import (
	"context"
	"iter"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/dlq"
	"github.com/randalmurphal/hookflow/pkg/hookflow/store"
)

// ReplayDLQ yields dead letters captured at or after since whose event type
// is in types. A zero since or empty types matches everything.
func (p *Pipeline) ReplayDLQ(ctx context.Context, since time.Time, types []string) iter.Seq2[*dlq.Entry, error] {
	return p.dlq.Replay(ctx, dlq.Filter{Since: since, Types: types})
}

// DeadLetters lists dead letters matching f.
func (p *Pipeline) DeadLetters(ctx context.Context, f dlq.Filter) ([]*dlq.Entry, error) {
	var out []*dlq.Entry
	for e, err := range p.dlq.Replay(ctx, f) {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// NeedsResolution lists dead letters that exhausted their retry schedule.
func (p *Pipeline) NeedsResolution(ctx context.Context) ([]*dlq.Entry, error) {
	return p.dlq.NeedsResolution(ctx)
}

// ResolveDLQ removes a dead letter after manual intervention.
func (p *Pipeline) ResolveDLQ(ctx context.Context, id string) error {
	return p.dlq.Resolve(ctx, id)
}

// RequeueDLQ restarts a dead letter's retry schedule and makes it due now.
// The recovery processor picks it up on its next pass.
func (p *Pipeline) RequeueDLQ(ctx context.Context, id string) (*dlq.Entry, error) {
	return p.dlq.Requeue(ctx, id)
}

// ProcessDLQ runs one recovery pass immediately and returns how many
// dead letters were handled.
func (p *Pipeline) ProcessDLQ(ctx context.Context) (int, error) {
	return p.processor.ProcessDue(ctx)
}

// PoisonPayloads lists payloads tracked by poison detection, or nil when it
// is disabled.
func (p *Pipeline) PoisonPayloads() []dlq.PoisonInfo {
	if p.poison == nil {
		return nil
	}
	return p.poison.List()
}

// QuerySession returns a session's processed events in order.
func (p *Pipeline) QuerySession(ctx context.Context, q store.Query) ([]store.Record, error) {
	return p.sessions.Query(ctx, q)
}

// Sessions lists the sessions with processed events.
func (p *Pipeline) Sessions(ctx context.Context) ([]store.SessionInfo, error) {
	return p.sessions.Sessions(ctx)
}
