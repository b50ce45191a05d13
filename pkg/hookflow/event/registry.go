package event

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// TypeSpec describes a known event type.
type TypeSpec struct {
	// Type is the event type ("file.modified") or a category wildcard
	// ("session.*").
	Type string

	// Priority is the tier producers should use when they have no opinion.
	Priority Priority

	// Description explains when the event is emitted.
	Description string

	// DedupKeys selects the payload fields duplicates are compared by.
	// Empty means the full fingerprint.
	DedupKeys []string

	// Required lists payload fields that must be present.
	Required []string

	// Validator is an optional custom check.
	Validator func(Event) error
}

// Validate checks an event against the type spec.
func (s *TypeSpec) Validate(evt Event) error {
	for _, field := range s.Required {
		if _, ok := evt.Payload[field]; !ok {
			return &ValidationError{Field: "payload." + field, Message: "required"}
		}
	}
	if s.Validator != nil {
		if err := s.Validator(evt); err != nil {
			return &ValidationError{Field: "payload", Message: err.Error()}
		}
	}
	return nil
}

// Catalog indexes event type specs. Lookups fall back from the exact type
// to the category wildcard.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]*TypeSpec
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{specs: make(map[string]*TypeSpec)}
}

// Register adds or replaces a type spec.
func (c *Catalog) Register(spec *TypeSpec) error {
	if spec == nil || strings.TrimSpace(spec.Type) == "" {
		return fmt.Errorf("event type is required")
	}
	if !spec.Priority.Valid() {
		return fmt.Errorf("event type %s: invalid priority", spec.Type)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs[spec.Type] = spec
	return nil
}

// Get returns the spec for eventType, trying "category.*" when there is no
// exact entry.
func (c *Catalog) Get(eventType string) (*TypeSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.specs[eventType]; ok {
		return s, true
	}
	if i := strings.IndexByte(eventType, '.'); i >= 0 {
		if s, ok := c.specs[eventType[:i]+".*"]; ok {
			return s, true
		}
	}
	return nil, false
}

// DefaultPriority returns the catalogued priority or Normal.
func (c *Catalog) DefaultPriority(eventType string) Priority {
	if s, ok := c.Get(eventType); ok {
		return s.Priority
	}
	return Normal
}

// Validate checks evt against its type spec. Unknown types pass.
func (c *Catalog) Validate(evt Event) error {
	s, ok := c.Get(evt.Type)
	if !ok {
		return nil
	}
	return s.Validate(evt)
}

// Types returns the registered type names in sorted order.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]string, 0, len(c.specs))
	for t := range c.specs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Well-known hook event types.
const (
	TypeFileCreated       = "file.created"
	TypeFileModified      = "file.modified"
	TypeFileDeleted       = "file.deleted"
	TypeFileRenamed       = "file.renamed"
	TypeToolUsed          = "tool.used"
	TypeAgentStarted      = "agent.started"
	TypeAgentCompleted    = "agent.completed"
	TypeAgentFailed       = "agent.failed"
	TypeAgentTrigger      = "agent.trigger"
	TypeGitCommit         = "git.commit"
	TypeWorkflowStarted   = "workflow.started"
	TypeWorkflowCompleted = "workflow.completed"
	TypeProcessRestarted  = "process.restarted"
	TypeProcessTerminated = "process.terminated"
)

// DefaultCatalog returns the catalog of hook event types.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	specs := []*TypeSpec{
		{Type: TypeFileCreated, Priority: High, Description: "file created in a watched tree",
			DedupKeys: []string{"file_path", "action"}, Required: []string{"file_path"}},
		{Type: TypeFileModified, Priority: Normal, Description: "file content changed",
			DedupKeys: []string{"file_path", "action"}, Required: []string{"file_path"}},
		{Type: TypeFileDeleted, Priority: High, Description: "file removed",
			DedupKeys: []string{"file_path", "action"}, Required: []string{"file_path"}},
		{Type: TypeFileRenamed, Priority: High, Description: "file renamed or moved",
			DedupKeys: []string{"file_path", "action"}, Required: []string{"file_path"}},
		{Type: TypeToolUsed, Priority: Normal, Description: "tool invocation finished"},
		{Type: TypeAgentStarted, Priority: High, Description: "sub-agent started"},
		{Type: TypeAgentCompleted, Priority: High, Description: "sub-agent finished successfully"},
		{Type: TypeAgentFailed, Priority: Critical, Description: "sub-agent failed"},
		{Type: TypeAgentTrigger, Priority: High, Description: "agent trigger request",
			Required: []string{"agent"}},
		{Type: TypeGitCommit, Priority: High, Description: "git commit recorded"},
		{Type: TypeWorkflowStarted, Priority: Critical, Description: "workflow started"},
		{Type: TypeWorkflowCompleted, Priority: High, Description: "workflow finished"},
		{Type: "session.*", Priority: Normal, Description: "session lifecycle action"},
		{Type: TypeProcessRestarted, Priority: Normal, Description: "supervised process restarted"},
		{Type: TypeProcessTerminated, Priority: High, Description: "supervised process terminated"},
	}
	for _, s := range specs {
		// Static specs are always valid.
		_ = c.Register(s)
	}
	return c
}
