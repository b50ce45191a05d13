package event

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for submission outcomes that are not failures.
var (
	// ErrDuplicate reports that the event matched a recent event of the same
	// type and was dropped. It is a skip, not a failure.
	ErrDuplicate = errors.New("duplicate event")

	// ErrFiltered reports that routing filters excluded the event.
	ErrFiltered = errors.New("event filtered")

	// ErrDuplicateID reports that an event ID was submitted twice.
	ErrDuplicateID = errors.New("event id already submitted")
)

// ValidationError reports a structurally invalid event. It is returned to the
// producer synchronously and the event is never queued.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// QueueOverflowError reports that the target priority tier was full.
type QueueOverflowError struct {
	Priority Priority
	Capacity int
}

// Error implements the error interface.
func (e *QueueOverflowError) Error() string {
	return fmt.Sprintf("%s queue full (capacity %d)", e.Priority, e.Capacity)
}

// HandlerTimeoutError reports that a handler exceeded its deadline. The
// invocation is abandoned and counted as a failure.
type HandlerTimeoutError struct {
	Handler string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler %s timed out after %s", e.Handler, e.Timeout)
}

// HandlerError wraps an error returned (or panic raised) by a handler.
type HandlerError struct {
	Handler string
	EventID string
	Err     error
	Panic   bool
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("handler %s panicked on event %s: %v", e.Handler, e.EventID, e.Err)
	}
	return fmt.Sprintf("handler %s failed on event %s: %v", e.Handler, e.EventID, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// CircuitOpenReason is the failure reason recorded for events that were
// short-circuited by an open breaker.
const CircuitOpenReason = "circuit_open"

// CircuitOpenError reports that a handler's breaker rejected the invocation.
// The handler was not called.
type CircuitOpenError struct {
	Handler string
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: handler %s", CircuitOpenReason, e.Handler)
}

// IsCircuitOpen reports whether err is a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// FailureReason renders err as the reason stored with a dead letter.
// Circuit-open failures use the fixed CircuitOpenReason string.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	if IsCircuitOpen(err) {
		return CircuitOpenReason
	}
	return err.Error()
}
