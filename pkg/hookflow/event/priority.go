package event

import (
	"fmt"
	"strings"
)

// Priority is the urgency tier of an event. Lower values drain first.
type Priority int

const (
	// Critical events bypass batching and are never deduplicated.
	Critical Priority = iota
	// High events batch in small, short windows.
	High
	// Normal is the default tier.
	Normal
	// Low events tolerate the longest batching delay.
	Low
)

// Priorities lists every tier in drain order.
var Priorities = []Priority{Critical, High, Normal, Low}

// String returns the lower-case tier name.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four tiers.
func (p Priority) Valid() bool {
	return p >= Critical && p <= Low
}

// Higher reports whether p drains before other.
func (p Priority) Higher(other Priority) bool {
	return p < other
}

// ParsePriority parses a tier name. Matching is case-insensitive so the
// upper-case names used by hook scripts are accepted too.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return Critical, nil
	case "high":
		return High, nil
	case "normal", "":
		return Normal, nil
	case "low":
		return Low, nil
	default:
		return Normal, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", s)}
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
