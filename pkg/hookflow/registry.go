package hookflow

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/expr"
)

// binding is one handler attached to one event type.
type binding struct {
	name    string
	handler event.Handler
	batch   event.BatchHandler
	cfg     HandlerConfig
}

// breakerName identifies the breaker guarding a binding for a type.
func (b binding) breakerName(eventType string) string {
	return b.name + "/" + eventType
}

// routeTable is an immutable snapshot of every binding. Writers build a new
// table and swap it in, so dispatch never locks.
type routeTable struct {
	// explicit bindings from RegisterHandler, by type or type pattern
	explicit map[string][]binding
	// explicit keys containing glob characters, sorted
	patterns []string
	// bindings derived from the routing table
	routed map[string][]binding
	// defined handlers the routing table can bind by name
	defined map[string]binding
}

func (t *routeTable) clone() *routeTable {
	c := &routeTable{
		explicit: make(map[string][]binding, len(t.explicit)),
		patterns: slices.Clone(t.patterns),
		routed:   t.routed,
		defined:  maps.Clone(t.defined),
	}
	for k, v := range t.explicit {
		c.explicit[k] = slices.Clone(v)
	}
	return c
}

// lookup returns the bindings for an event type in registration order:
// exact explicit bindings, pattern bindings, then routed bindings.
func (t *routeTable) lookup(eventType string) []binding {
	var out []binding
	out = append(out, t.explicit[eventType]...)
	for _, pattern := range t.patterns {
		if pattern == eventType {
			continue
		}
		if pattern == "*" || expr.Match(pattern, eventType) {
			out = append(out, t.explicit[pattern]...)
		}
	}
	for _, b := range t.routed[eventType] {
		if !slices.ContainsFunc(out, func(o binding) bool { return o.name == b.name }) {
			out = append(out, b)
		}
	}
	return out
}

// registry holds the copy-on-write route table.
type registry struct {
	mu    sync.Mutex
	table atomic.Pointer[routeTable]
}

func newRegistry() *registry {
	r := &registry{}
	r.table.Store(&routeTable{
		explicit: make(map[string][]binding),
		routed:   make(map[string][]binding),
		defined:  make(map[string]binding),
	})
	return r
}

func (r *registry) snapshot() *routeTable {
	return r.table.Load()
}

func newBinding(name string, h event.Handler, cfg HandlerConfig) binding {
	b := binding{
		name:    name,
		handler: event.ChainMiddleware(h, event.RecoveryMiddleware(name)),
		cfg:     cfg,
	}
	if bh, ok := h.(event.BatchHandler); ok {
		b.batch = bh
	}
	return b
}

func (r *registry) register(eventType, name string, h event.Handler, cfg HandlerConfig) error {
	if strings.TrimSpace(eventType) == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidHandler)
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: handler name is required", ErrInvalidHandler)
	}
	if h == nil {
		return fmt.Errorf("%w: handler %s is nil", ErrInvalidHandler, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.snapshot().clone()
	for _, b := range next.explicit[eventType] {
		if b.name == name {
			return fmt.Errorf("%w: %s for %s", ErrHandlerExists, name, eventType)
		}
	}
	next.explicit[eventType] = append(next.explicit[eventType], newBinding(name, h, cfg))
	if strings.ContainsAny(eventType, "*?") && !slices.Contains(next.patterns, eventType) {
		next.patterns = append(next.patterns, eventType)
		slices.Sort(next.patterns)
	}
	r.table.Store(next)
	return nil
}

func (r *registry) define(name string, h event.Handler, cfg HandlerConfig) error {
	if strings.TrimSpace(name) == "" || h == nil {
		return fmt.Errorf("%w: handler name and implementation are required", ErrInvalidHandler)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.snapshot().clone()
	next.defined[name] = newBinding(name, h, cfg)
	r.table.Store(next)
	return nil
}

// route replaces the routed bindings. Every named handler must be defined.
func (r *registry) route(byType map[string][]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.snapshot().clone()

	routed := make(map[string][]binding, len(byType))
	var missing []string
	for eventType, names := range byType {
		for _, name := range names {
			b, ok := next.defined[name]
			if !ok {
				missing = append(missing, fmt.Sprintf("%s (for %s)", name, eventType))
				continue
			}
			routed[eventType] = append(routed[eventType], b)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: %s", ErrUnknownHandler, strings.Join(missing, ", "))
	}
	next.routed = routed
	r.table.Store(next)
	return nil
}

// names lists every handler name that can receive events.
func (t *routeTable) names() []string {
	set := make(map[string]struct{})
	for _, bs := range t.explicit {
		for _, b := range bs {
			set[b.name] = struct{}{}
		}
	}
	for name := range t.defined {
		set[name] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}
