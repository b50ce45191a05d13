// Package event defines the hook event model and the primitives every stage
// of the pipeline shares.
//
// # Events
//
// An Event is an immutable value: it is created once with New or
// NewFromParent and copied between stages. Priority selects one of four
// strictly ordered tiers:
//
//	evt := event.New(event.TypeFileModified,
//	    map[string]any{"file_path": "main.go", "action": "modified"},
//	    event.WithPriority(event.Normal),
//	    event.WithSessionID(sessionID),
//	    event.WithProducer("file-watcher"),
//	)
//
// Derived events inherit the correlation ID and sit one level deeper, which
// bounds feedback loops between handlers and agent triggers:
//
//	child := event.NewFromParent(evt, event.TypeAgentTrigger, payload)
//
// # Handlers
//
// A Handler processes one event and may return derived events. Handlers that
// aggregate implement BatchHandler and receive whole batches in submission
// order. Middleware wraps handlers with cross-cutting behaviour
// (RecoveryMiddleware, LoggingMiddleware).
//
// # Deduplication
//
// Deduplicator remembers recent keys per event type in a bounded ring and
// reports events that repeat within the type's window. The key defaults to a
// fingerprint of type, payload, producer and session; FieldsKey compares
// selected payload fields instead.
//
// # Errors
//
// ValidationError and QueueOverflowError are returned to producers.
// HandlerTimeoutError, HandlerError and CircuitOpenError describe dispatch
// failures and end up recorded with dead letters. ErrDuplicate and
// ErrFiltered are skips, not failures.
package event
