package hookflow

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/config"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/expr"
)

// filter admits or drops events by the value at a variable path.
type filter struct {
	field   string
	include []string
	exclude []string
}

func (f filter) admit(vars map[string]any) bool {
	var value string
	if v, ok := expr.Lookup(vars, f.field); ok && v != nil {
		value = fmt.Sprint(v)
	}
	if len(f.include) > 0 && !matchAny(f.include, value) {
		return false
	}
	return !matchAny(f.exclude, value)
}

func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if p == value || expr.Match(p, value) {
			return true
		}
	}
	return false
}

// routingState is the immutable admission view of a routing table.
type routingState struct {
	filters  map[string][]filter
	priority map[string]event.Priority
}

// forType collects the entries keyed by eventType or by a glob matching it.
func forType[V any](m map[string]V, eventType string) []V {
	var out []V
	if v, ok := m[eventType]; ok {
		out = append(out, v)
	}
	for k, v := range m {
		if k != eventType && strings.ContainsAny(k, "*?") && expr.Match(k, eventType) {
			out = append(out, v)
		}
	}
	return out
}

// admit reports whether evt passes every filter configured for its type.
func (s *routingState) admit(evt event.Event) bool {
	if len(s.filters) == 0 {
		return true
	}
	sets := forType(s.filters, evt.Type)
	if len(sets) == 0 {
		return true
	}
	vars := evt.Vars()
	for _, fs := range sets {
		for _, f := range fs {
			if !f.admit(vars) {
				return false
			}
		}
	}
	return true
}

// priorityOf returns the routing priority for a type. An exact entry wins
// over a pattern.
func (s *routingState) priorityOf(eventType string) (event.Priority, bool) {
	if p, ok := s.priority[eventType]; ok {
		return p, true
	}
	ps := forType(s.priority, eventType)
	if len(ps) == 0 {
		return 0, false
	}
	return ps[0], true
}

func newRoutingState(r *config.Routing) (*routingState, error) {
	s := &routingState{
		filters:  make(map[string][]filter),
		priority: make(map[string]event.Priority),
	}
	for name, et := range r.EventTypes {
		if et.Priority != "" {
			p, err := event.ParsePriority(et.Priority)
			if err != nil {
				return nil, fmt.Errorf("event_types.%s: %w", name, err)
			}
			s.priority[name] = p
		}
		for _, fc := range et.Filters {
			s.filters[name] = append(s.filters[name], filter{
				field:   fc.Field,
				include: fc.Include,
				exclude: fc.Exclude,
			})
		}
	}
	return s, nil
}

// ApplyRouting installs a routing table: handler bindings, filters,
// priorities, dedup rules, batch overrides, mode selection and agent
// triggers. The table is validated and compiled before anything changes.
func (p *Pipeline) ApplyRouting(r *config.Routing) error {
	if err := r.Validate(); err != nil {
		return &RoutingError{Section: "validate", Err: err}
	}
	rules, err := r.TriggerRules()
	if err != nil {
		return &RoutingError{Section: "agent_triggers", Err: err}
	}
	state, err := newRoutingState(r)
	if err != nil {
		return &RoutingError{Section: "event_types", Err: err}
	}

	byType := make(map[string][]string, len(r.EventTypes))
	for name, et := range r.EventTypes {
		if len(et.Handlers) > 0 {
			byType[name] = et.Handlers
		}
	}
	if err := p.registry.route(byType); err != nil {
		return &RoutingError{Section: "event_types", Err: err}
	}

	p.routing.Store(state)

	window := p.cfg.Dedup.DefaultWindow
	if w, ok := r.DedupWindow(); ok {
		window = w
	}
	p.dedup.SetRules(window, mergeRules(catalogDedupRules(p.cfg.Catalog, window), p.cfg.Dedup.Rules, r.DedupRules()))

	overrides := maps.Clone(p.cfg.Batch.Overrides)
	if overrides == nil {
		overrides = r.BatchOverrides()
	} else {
		maps.Copy(overrides, r.BatchOverrides())
	}
	p.batcher.SetOverrides(overrides)

	p.monitor.Configure(r.MonitorConfig())

	if err := p.triggers.Replace(rules); err != nil {
		return &RoutingError{Section: "agent_triggers", Err: err}
	}

	p.logger.Info("routing applied",
		"event_types", len(r.EventTypes),
		"handlers", len(r.Handlers),
		"agent_triggers", len(rules))
	return nil
}

// ConfigFromRouting builds a pipeline Config from a routing table's
// pipeline, dlq and agent trigger sections.
func ConfigFromRouting(r *config.Routing) (Config, error) {
	cfg := DefaultConfig()
	cfg.SessionID = r.Pipeline.SessionID
	cfg.Queue = r.QueueConfig()
	cfg.Batch = r.BatchConfig()
	maps.Copy(cfg.Workers, r.Workers())
	maps.Copy(cfg.Timeouts, r.Timeouts())
	if r.Pipeline.MaxAttempts > 0 {
		cfg.MaxAttempts = r.Pipeline.MaxAttempts
	}
	if r.Pipeline.MaxDepth > 0 {
		cfg.MaxDepth = r.Pipeline.MaxDepth
	}
	if w, ok := r.DedupWindow(); ok {
		cfg.Dedup.DefaultWindow = w
	}
	cfg.Dedup.Rules = r.DedupRules()
	if ti := r.TuneInterval(); ti > 0 {
		cfg.TuneInterval = ti
	}
	cfg.DLQ = r.DLQQueueConfig()
	cfg.Processor = r.DLQProcessorConfig()
	if pc, ok := r.PoisonConfig(); ok {
		cfg.Poison = &pc
	}
	cfg.Monitor = r.MonitorConfig()

	rules, err := r.TriggerRules()
	if err != nil {
		return cfg, &RoutingError{Section: "agent_triggers", Err: err}
	}
	cfg.Triggers = rules
	return cfg, nil
}

// HandlerConfigFromRouting converts a routing table handler definition.
func HandlerConfigFromRouting(h config.HandlerConfig) HandlerConfig {
	return HandlerConfig{
		Timeout:          msDuration(h.TimeoutMs),
		FailureThreshold: h.FailureThreshold,
		RecoveryTimeout:  msDuration(h.RecoveryTimeoutMs),
		MaxAttempts:      h.MaxAttempts,
	}
}

func msDuration(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
