package event

import (
	"encoding/json"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxDepth bounds how many derived generations a chain of events may
// produce before submission is refused.
const DefaultMaxDepth = 10

// Provenance describes where an event came from and how it relates to others.
type Provenance struct {
	// Producer names the component that emitted the event
	// (e.g. "file-watcher", "post-tool-use").
	Producer string `json:"producer,omitempty"`

	// CorrelationID groups every event descending from one root event.
	CorrelationID string `json:"correlation_id,omitempty"`

	// CausationID is the ID of the event that directly caused this one.
	CausationID string `json:"causation_id,omitempty"`

	// Depth counts derived generations. Root events have depth 0.
	Depth int `json:"depth,omitempty"`

	// Labels carry free-form producer context (workflow id, agent, cwd).
	Labels map[string]string `json:"labels,omitempty"`
}

// Event is an immutable record of something that happened.
//
// Events are passed by value. The payload map is never mutated by the
// pipeline; operations that change an event return a modified copy.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Priority  Priority       `json:"priority"`
	Payload   map[string]any `json:"payload,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Context   Provenance     `json:"context"`

	// Attempt is zero on first delivery and incremented on every retry.
	Attempt int `json:"attempt,omitempty"`

	// Route restricts delivery to a single named handler. Retries and DLQ
	// replays set it so handlers that already succeeded are not invoked again.
	Route string `json:"route,omitempty"`

	// Recovery marks a delivery dispatched by the dead letter processor. Its
	// failures go straight back to the dead letter queue.
	Recovery bool `json:"recovery,omitempty"`

	// Deadline is an optional absolute processing deadline.
	Deadline time.Time `json:"deadline,omitzero"`
}

// Option configures event creation.
type Option func(*Event)

// WithEventID sets a specific event ID (default: generated UUIDv7).
func WithEventID(id string) Option {
	return func(e *Event) {
		e.ID = id
	}
}

// WithPriority sets the priority tier (default: Normal).
func WithPriority(p Priority) Option {
	return func(e *Event) {
		e.Priority = p
	}
}

// WithSessionID sets the owning session.
func WithSessionID(id string) Option {
	return func(e *Event) {
		e.SessionID = id
	}
}

// WithProducer records the emitting component.
func WithProducer(name string) Option {
	return func(e *Event) {
		e.Context.Producer = name
	}
}

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(id string) Option {
	return func(e *Event) {
		e.Context.CorrelationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(e *Event) {
		e.Context.CausationID = id
	}
}

// WithLabel adds one provenance label.
func WithLabel(key, value string) Option {
	return func(e *Event) {
		if e.Context.Labels == nil {
			e.Context.Labels = make(map[string]string)
		}
		e.Context.Labels[key] = value
	}
}

// WithLabels merges provenance labels.
func WithLabels(labels map[string]string) Option {
	return func(e *Event) {
		if len(labels) == 0 {
			return
		}
		if e.Context.Labels == nil {
			e.Context.Labels = make(map[string]string, len(labels))
		}
		maps.Copy(e.Context.Labels, labels)
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(e *Event) {
		e.Timestamp = t
	}
}

// WithDeadline sets an absolute processing deadline.
func WithDeadline(t time.Time) Option {
	return func(e *Event) {
		e.Deadline = t
	}
}

// New creates an event of the given type. The payload map is copied.
func New(eventType string, payload map[string]any, opts ...Option) Event {
	e := Event{
		Type:     eventType,
		Priority: Normal,
		Payload:  maps.Clone(payload),
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Context.CorrelationID == "" {
		e.Context.CorrelationID = e.ID
	}
	return e
}

// NewFromParent creates an event caused by parent. The child inherits the
// correlation ID, session and labels, and sits one level deeper.
func NewFromParent(parent Event, eventType string, payload map[string]any, opts ...Option) Event {
	base := []Option{
		WithCorrelationID(parent.Context.CorrelationID),
		WithCausationID(parent.ID),
		WithSessionID(parent.SessionID),
		WithPriority(parent.Priority),
		WithLabels(parent.Context.Labels),
	}
	e := New(eventType, payload, append(base, opts...)...)
	e.Context.Depth = parent.Context.Depth + 1
	return e
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Validate checks the structural invariants every submitted event must hold.
func (e Event) Validate(maxDepth int) error {
	if strings.TrimSpace(e.ID) == "" {
		return &ValidationError{Field: "id", Message: "must not be empty"}
	}
	if strings.TrimSpace(e.Type) == "" {
		return &ValidationError{Field: "type", Message: "must not be empty"}
	}
	if !e.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: "unknown priority tier"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "must be set"}
	}
	if maxDepth > 0 && e.Context.Depth > maxDepth {
		return &ValidationError{Field: "context.depth", Message: "derived event chain too deep"}
	}
	return nil
}

// Category returns the segment before the first dot ("file" for
// "file.modified").
func (e Event) Category() string {
	if i := strings.IndexByte(e.Type, '.'); i >= 0 {
		return e.Type[:i]
	}
	return e.Type
}

// PayloadString returns a payload field as a string, or "" when absent.
func (e Event) PayloadString(key string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Retry returns a copy scheduled for another delivery to one handler.
func (e Event) Retry(handler string) Event {
	e.Attempt++
	e.Route = handler
	return e
}

// Recover returns a copy for a dead letter retry to one handler.
func (e Event) Recover(handler string) Event {
	e = e.Retry(handler)
	e.Recovery = true
	return e
}

// WithPriorityOverride returns a copy in a different tier.
func (e Event) WithPriorityOverride(p Priority) Event {
	e.Priority = p
	return e
}

// WithSession returns a copy bound to the given session.
func (e Event) WithSession(id string) Event {
	e.SessionID = id
	return e
}

// PayloadBytes returns the JSON encoding of the payload.
func (e Event) PayloadBytes() []byte {
	if len(e.Payload) == 0 {
		return []byte("{}")
	}
	// encoding/json sorts map keys, so equal payloads encode identically.
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Vars exposes the event as a variable map for condition evaluation.
func (e Event) Vars() map[string]any {
	labels := make(map[string]any, len(e.Context.Labels))
	for k, v := range e.Context.Labels {
		labels[k] = v
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"id":         e.ID,
		"type":       e.Type,
		"category":   e.Category(),
		"priority":   e.Priority.String(),
		"session_id": e.SessionID,
		"attempt":    e.Attempt,
		"payload":    payload,
		"context": map[string]any{
			"producer":       e.Context.Producer,
			"correlation_id": e.Context.CorrelationID,
			"causation_id":   e.Context.CausationID,
			"depth":          e.Context.Depth,
			"labels":         labels,
		},
	}
}
