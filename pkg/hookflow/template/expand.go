// Package template expands ${path} placeholders against an event's variable
// map, so handler arguments and messages can refer to event fields:
//
//	template.Expand("gofmt -l ${payload.file_path}", evt.Vars())
//
// A path walks nested maps with dots, the same way trigger conditions do.
// Unknown paths are kept as-is unless the Expander is configured otherwise.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/randalmurphal/hookflow/pkg/hookflow/expr"
)

var placeholder = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z0-9_-]+)*)\}`)

// MissingAction specifies how to handle unknown paths.
type MissingAction int

const (
	// MissingKeep keeps the placeholder. This is the default.
	MissingKeep MissingAction = iota
	// MissingEmpty replaces the placeholder with an empty string.
	MissingEmpty
	// MissingError fails the expansion.
	MissingError
)

// Option configures an Expander.
type Option func(*Expander)

// WithMissingAction sets how unknown paths are handled.
func WithMissingAction(action MissingAction) Option {
	return func(e *Expander) { e.missing = action }
}

// Expander expands placeholders. It is safe for concurrent use.
type Expander struct {
	missing MissingAction
}

// NewExpander creates an Expander.
func NewExpander(opts ...Option) *Expander {
	e := &Expander{missing: MissingKeep}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UndefinedVariableError lists the paths that did not resolve.
type UndefinedVariableError struct {
	Names []string
}

func (e *UndefinedVariableError) Error() string {
	if len(e.Names) == 1 {
		return "undefined variable: " + e.Names[0]
	}
	return "undefined variables: " + strings.Join(e.Names, ", ")
}

// Expand replaces every placeholder in s.
func (e *Expander) Expand(s string, vars map[string]any) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var missing []string
	out := placeholder.ReplaceAllStringFunc(s, func(match string) string {
		path := match[2 : len(match)-1]
		if v, ok := expr.Lookup(vars, path); ok {
			return format(v)
		}
		switch e.missing {
		case MissingEmpty:
			return ""
		case MissingError:
			missing = append(missing, path)
		}
		return match
	})
	if len(missing) > 0 {
		return out, &UndefinedVariableError{Names: missing}
	}
	return out, nil
}

// ExpandAll expands every string. It returns the first error.
func (e *Expander) ExpandAll(ss []string, vars map[string]any) ([]string, error) {
	if ss == nil {
		return nil, nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		expanded, err := e.Expand(s, vars)
		if err != nil {
			return nil, err
		}
		out[i] = expanded
	}
	return out, nil
}

// format renders scalars plainly and composites as JSON.
func format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}

var defaultExpander = NewExpander()

// Expand expands s with the default expander, keeping unknown paths.
func Expand(s string, vars map[string]any) string {
	out, _ := defaultExpander.Expand(s, vars)
	return out
}

// ExpandAll expands ss with the default expander, keeping unknown paths.
func ExpandAll(ss []string, vars map[string]any) []string {
	out, _ := defaultExpander.ExpandAll(ss, vars)
	return out
}
