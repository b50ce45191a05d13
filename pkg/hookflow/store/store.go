// Package store keeps the append-only per-session log of successfully
// processed events.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// DefaultSession is used for events submitted without a session ID.
const DefaultSession = "default"

// Store persists processed events per session.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append adds an event to its session log. Appending an event ID that
	// is already stored is a no-op.
	Append(ctx context.Context, evt event.Event) error

	// Query returns a session's events in append order. A session with no
	// events yields an empty list.
	Query(ctx context.Context, q Query) ([]Record, error)

	// Sessions lists known sessions.
	Sessions(ctx context.Context) ([]SessionInfo, error)

	// Replay calls fn for each event of a session in append order and stops
	// at the first error.
	Replay(ctx context.Context, sessionID string, fn func(Record) error) error

	// Close releases any resources (connections, files).
	Close() error
}

// Query selects events from one session. Zero fields match everything.
type Query struct {
	SessionID  string   `json:"session_id"`
	EventTypes []string `json:"event_types,omitempty"`

	// Start is inclusive and End exclusive; both compare event timestamps.
	Start time.Time `json:"start,omitzero"`
	End   time.Time `json:"end,omitzero"`

	// Limit caps the result. Zero means no limit.
	Limit int `json:"limit,omitempty"`
}

// Match reports whether evt passes the type and time filters.
func (q Query) Match(evt event.Event) bool {
	if len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, evt.Type) {
		return false
	}
	if !q.Start.IsZero() && evt.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !evt.Timestamp.Before(q.End) {
		return false
	}
	return true
}

// Record is a stored event with its position in the session log.
type Record struct {
	Seq        int64       `json:"seq"`
	Event      event.Event `json:"event"`
	AppendedAt time.Time   `json:"appended_at"`
}

// SessionInfo summarizes one session log.
type SessionInfo struct {
	ID     string    `json:"id"`
	Events int       `json:"events"`
	First  time.Time `json:"first"`
	Last   time.Time `json:"last"`
}

// ErrStoreClosed indicates the store has been closed.
var ErrStoreClosed = errors.New("event store closed")

func sessionOf(evt event.Event) string {
	if evt.SessionID == "" {
		return DefaultSession
	}
	return evt.SessionID
}
