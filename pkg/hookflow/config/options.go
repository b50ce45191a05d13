package config

import (
	"fmt"
	"time"
)

// Options wraps a handler's free-form options for typed extraction.
// All accessor methods return the default value if the key is missing
// or the value cannot be converted to the requested type.
type Options struct {
	data map[string]any
}

// NewOptions creates Options from the given map.
// If data is nil, empty Options are returned.
func NewOptions(data map[string]any) Options {
	if data == nil {
		data = make(map[string]any)
	}
	return Options{data: data}
}

// String returns the string value for key, or defaultVal if missing or not a string.
func (o Options) String(key, defaultVal string) string {
	if s, ok := o.data[key].(string); ok {
		return s
	}
	return defaultVal
}

// Duration returns the duration value for key, or defaultVal if missing or invalid.
//
// Accepts:
//   - string: parsed with time.ParseDuration
//   - int, int64, float64: interpreted as milliseconds, like every *_ms field
//   - time.Duration: used directly
func (o Options) Duration(key string, defaultVal time.Duration) time.Duration {
	switch val := o.data[key].(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case int:
		return time.Duration(val) * time.Millisecond
	case int64:
		return time.Duration(val) * time.Millisecond
	case float64:
		return time.Duration(val * float64(time.Millisecond))
	case time.Duration:
		return val
	}
	return defaultVal
}

// Bool returns the boolean value for key, or defaultVal if missing or not a bool.
func (o Options) Bool(key string, defaultVal bool) bool {
	if b, ok := o.data[key].(bool); ok {
		return b
	}
	return defaultVal
}

// Int returns the integer value for key, or defaultVal if missing or not convertible.
// A float64 converts only when it has no fractional part.
func (o Options) Int(key string, defaultVal int) int {
	switch val := o.data[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	}
	return defaultVal
}

// StringSlice returns the string slice for key, or defaultVal if missing or
// if any element is not a string.
func (o Options) StringSlice(key string, defaultVal []string) []string {
	switch val := o.data[key].(type) {
	case []string:
		return val
	case []any:
		result := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			result = append(result, s)
		}
		return result
	}
	return defaultVal
}

// StringMap returns a map of strings for key. Non-string values are
// formatted with fmt. Returns nil when the key is missing or not a map.
func (o Options) StringMap(key string) map[string]string {
	m, ok := o.data[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Has returns true if the key exists.
func (o Options) Has(key string) bool {
	_, ok := o.data[key]
	return ok
}

// Raw returns the underlying map.
// The returned map should not be modified.
func (o Options) Raw() map[string]any {
	return o.data
}
