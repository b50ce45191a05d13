// Package trigger turns processed events into agent trigger requests.
//
// A Coordinator holds one Rule per agent. When an event finishes processing,
// every rule whose event types and conditions match is debounced: the first
// matching event outside the rule's window fires at once, and matching events
// inside the window collapse into a single trailing request carrying the most
// recent event's context, delivered when the window closes.
//
// Requests leave through a Sink. Sinks exist for in-process channels, for
// feeding an agent.trigger event back through the pipeline, for Kafka and for
// MQTT.
package trigger

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/expr"
)

// Rule describes when an agent should be triggered.
type Rule struct {
	// Agent names the automation to invoke. It also identifies the rule.
	Agent string `json:"agent"`

	// EventTypes lists the event types the rule listens to. Glob patterns
	// such as "file.*" are accepted.
	EventTypes []string `json:"event_types"`

	// Conditions must all hold for the rule to match.
	Conditions []string `json:"conditions,omitempty"`

	// Debounce is the minimum interval between two triggers of this rule.
	// Zero disables debouncing.
	Debounce time.Duration `json:"debounce"`

	// Priority is carried on the request for transports that queue.
	Priority event.Priority `json:"priority"`
}

// Validate checks the rule's fields and condition syntax.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Agent) == "" {
		return fmt.Errorf("trigger rule: agent is required")
	}
	if len(r.EventTypes) == 0 {
		return fmt.Errorf("trigger rule %s: at least one event type is required", r.Agent)
	}
	if r.Debounce < 0 {
		return fmt.Errorf("trigger rule %s: debounce must not be negative", r.Agent)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("trigger rule %s: invalid priority", r.Agent)
	}
	for _, c := range r.Conditions {
		if err := expr.Validate(c); err != nil {
			return fmt.Errorf("trigger rule %s: condition %q: %w", r.Agent, c, err)
		}
	}
	return nil
}

// listens reports whether the rule subscribes to eventType.
func (r Rule) listens(eventType string) bool {
	for _, t := range r.EventTypes {
		if t == eventType || t == "*" || expr.Match(t, eventType) {
			return true
		}
	}
	return false
}

// sameAs reports whether two rules are equivalent for cooldown purposes.
func (r Rule) sameAs(o Rule) bool {
	return r.Agent == o.Agent &&
		r.Debounce == o.Debounce &&
		r.Priority == o.Priority &&
		slices.Equal(r.EventTypes, o.EventTypes) &&
		slices.Equal(r.Conditions, o.Conditions)
}

// Request is one trigger handed to a sink.
type Request struct {
	ID          string         `json:"id"`
	Agent       string         `json:"agent"`
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	SessionID   string         `json:"session_id,omitempty"`
	Priority    event.Priority `json:"priority"`
	Context     map[string]any `json:"context"`
	Collapsed   int            `json:"collapsed"`
	RequestedAt time.Time      `json:"requested_at"`

	// Source is the event that produced the request. It is not serialized.
	Source event.Event `json:"-"`
}

// buildContext merges provenance labels, the payload and the rule name.
// Payload fields win over labels.
func buildContext(r Rule, evt event.Event) map[string]any {
	ctx := make(map[string]any, len(evt.Context.Labels)+len(evt.Payload)+4)
	for k, v := range evt.Context.Labels {
		ctx[k] = v
	}
	maps.Copy(ctx, evt.Payload)
	ctx["rule"] = r.Agent
	ctx["correlation_id"] = evt.Context.CorrelationID
	if evt.Context.Producer != "" {
		ctx["producer"] = evt.Context.Producer
	}
	return ctx
}
