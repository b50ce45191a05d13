package dlq

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// Sentinel errors returned by stores and the queue.
var (
	ErrNotFound    = errors.New("dead letter not found")
	ErrStoreClosed = errors.New("dead letter store closed")
)

// Classification decides what the recovery processor does with an entry.
type Classification string

const (
	// Transient entries are resubmitted unchanged on the retry schedule.
	Transient Classification = "transient"

	// Fixable entries are transformed by the policy's Fixer, then resubmitted.
	Fixable Classification = "fixable"

	// Terminal entries are never retried automatically.
	Terminal Classification = "terminal"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	return c == Transient || c == Fixable || c == Terminal
}

// entryNamespace scopes entry IDs derived from (event ID, handler).
var entryNamespace = uuid.MustParse("5b0f4a2e-8d0c-4f61-9a57-0e3d6b3c9a11")

// EntryID returns the stable dead letter ID for an event and handler, so
// repeated failures of the same delivery update one entry.
func EntryID(eventID, handler string) string {
	return uuid.NewSHA1(entryNamespace, []byte(eventID+"\x00"+handler)).String()
}

// Entry is a failed delivery of one event to one handler.
type Entry struct {
	ID             string         `json:"id"`
	Event          event.Event    `json:"event"`
	Handler        string         `json:"handler"`
	FailureReason  string         `json:"failure_reason"`
	Category       string         `json:"category"`
	Classification Classification `json:"classification"`

	// Retries counts scheduled retries already dispatched.
	Retries     int       `json:"retries"`
	NextRetryAt time.Time `json:"next_retry_at"`

	// InFlightUntil is set while a retry is outstanding. An expired lease
	// makes the entry due again.
	InFlightUntil time.Time `json:"in_flight_until,omitzero"`

	CapturedAt time.Time `json:"captured_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Due reports whether the processor should pick up the entry at now.
func (e *Entry) Due(now time.Time) bool {
	if e.Classification == Terminal {
		return false
	}
	if e.NextRetryAt.After(now) {
		return false
	}
	return !e.InFlightUntil.After(now)
}

// Leased reports whether a retry is outstanding at now.
func (e *Entry) Leased(now time.Time) bool {
	return e.InFlightUntil.After(now)
}

// Clone returns a copy that shares no mutable state with e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Filter selects entries for listing, replay and purge. Zero fields match
// everything.
type Filter struct {
	// Since keeps entries captured at or after the given time.
	Since time.Time

	// Types keeps entries whose event type is listed.
	Types []string

	Handler string

	Classifications []Classification

	// DueAt keeps entries due at the given time (see Entry.Due).
	DueAt time.Time

	// Limit caps the number of returned entries. Zero means no limit.
	Limit int
}

// Match reports whether e passes the filter (ignoring Limit).
func (f Filter) Match(e *Entry) bool {
	if !f.Since.IsZero() && e.CapturedAt.Before(f.Since) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Event.Type) {
		return false
	}
	if f.Handler != "" && f.Handler != e.Handler {
		return false
	}
	if len(f.Classifications) > 0 && !slices.Contains(f.Classifications, e.Classification) {
		return false
	}
	if !f.DueAt.IsZero() && !e.Due(f.DueAt) {
		return false
	}
	return true
}

// sortEntries orders entries by capture time, then ID.
func sortEntries(entries []*Entry) {
	slices.SortFunc(entries, func(a, b *Entry) int {
		if c := a.CapturedAt.Compare(b.CapturedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
