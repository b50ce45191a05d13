package hookflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for handler registration and routing.
var (
	// ErrInvalidHandler indicates a registration was missing its name, type
	// or implementation.
	ErrInvalidHandler = errors.New("invalid handler")

	// ErrHandlerExists indicates a handler name was registered twice for one
	// event type.
	ErrHandlerExists = errors.New("handler already registered")

	// ErrUnknownHandler indicates the routing table names a handler that was
	// never defined.
	ErrUnknownHandler = errors.New("unknown handler")
)

// Sentinel errors for the pipeline lifecycle.
var (
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("pipeline already started")

	// ErrNotStarted indicates Stop was called before Start.
	ErrNotStarted = errors.New("pipeline not started")

	// ErrStopped indicates the pipeline no longer accepts events.
	ErrStopped = errors.New("pipeline stopped")
)

// RoutingError reports a routing table that could not be applied.
type RoutingError struct {
	// Section is the part of the table that failed ("handlers", "agent_triggers").
	Section string
	Err     error
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	return fmt.Sprintf("apply routing %s: %v", e.Section, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RoutingError) Unwrap() error {
	return e.Err
}
