package dlq

import (
	"context"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// Policy classifies a due entry before the processor acts on it.
type Policy interface {
	Classify(ctx context.Context, e *Entry) Classification
}

// Fixer transforms the event of a fixable entry before resubmission. A
// Policy may implement Fixer; the processor checks with a type assertion.
type Fixer interface {
	Fix(ctx context.Context, e *Entry) (event.Event, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, e *Entry) Classification

// Classify implements Policy.
func (f PolicyFunc) Classify(ctx context.Context, e *Entry) Classification {
	return f(ctx, e)
}

// FixerFunc adapts a function to Fixer.
type FixerFunc func(ctx context.Context, e *Entry) (event.Event, error)

// Fix implements Fixer.
func (f FixerFunc) Fix(ctx context.Context, e *Entry) (event.Event, error) {
	return f(ctx, e)
}

// DefaultPolicy keeps the classification assigned at capture.
type DefaultPolicy struct{}

// Classify implements Policy.
func (DefaultPolicy) Classify(_ context.Context, e *Entry) Classification {
	if !e.Classification.Valid() {
		return Transient
	}
	return e.Classification
}

// WithFixer combines a policy with a fixer.
func WithFixer(p Policy, f Fixer) Policy {
	return fixingPolicy{Policy: p, fixer: f}
}

// fixerOf finds a Fixer on p or on any policy it wraps.
func fixerOf(p Policy) (Fixer, bool) {
	for p != nil {
		if f, ok := p.(Fixer); ok {
			return f, true
		}
		u, ok := p.(interface{ Unwrap() Policy })
		if !ok {
			return nil, false
		}
		p = u.Unwrap()
	}
	return nil, false
}

type fixingPolicy struct {
	Policy
	fixer Fixer
}

func (p fixingPolicy) Fix(ctx context.Context, e *Entry) (event.Event, error) {
	return p.fixer.Fix(ctx, e)
}
