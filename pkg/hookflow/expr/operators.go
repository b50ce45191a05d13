package expr

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
)

// Compare compares two values using the specified operator.
// Returns an error for unknown operators.
func Compare(left, right any, op string) (bool, error) {
	for _, b := range builtinOps {
		if strings.TrimSpace(b.op) == op {
			return b.compare(left, right), nil
		}
	}
	return false, fmt.Errorf("unknown operator: %s", op)
}

func compareEquals(left, right any) bool {
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func compareNotEquals(left, right any) bool {
	return fmt.Sprintf("%v", left) != fmt.Sprintf("%v", right)
}

func compareLT(left, right any) bool  { return ToFloat64(left) < ToFloat64(right) }
func compareGT(left, right any) bool  { return ToFloat64(left) > ToFloat64(right) }
func compareLTE(left, right any) bool { return ToFloat64(left) <= ToFloat64(right) }
func compareGTE(left, right any) bool { return ToFloat64(left) >= ToFloat64(right) }

func compareContains(left, right any) bool {
	if items, ok := left.([]any); ok {
		for _, it := range items {
			if compareEquals(it, right) {
				return true
			}
		}
		return false
	}
	return strings.Contains(fmt.Sprintf("%v", left), fmt.Sprintf("%v", right))
}

// compareIn checks left against a comma-separated list or a slice.
func compareIn(left, right any) bool {
	if items, ok := right.([]any); ok {
		for _, it := range items {
			if compareEquals(left, it) {
				return true
			}
		}
		return false
	}
	l := fmt.Sprintf("%v", left)
	for _, item := range strings.Split(fmt.Sprintf("%v", right), ",") {
		if strings.TrimSpace(item) == l {
			return true
		}
	}
	return false
}

var (
	globMu    sync.RWMutex
	globCache = map[string]*regexp.Regexp{}
)

// Match reports whether name matches the glob pattern. Patterns without
// "**" follow path.Match; "**" matches across path separators. A pattern
// without a separator also matches against the base name, so "*.go"
// matches "pkg/main.go".
func Match(pattern, name string) bool {
	name = strings.ReplaceAll(name, `\`, "/")
	if !strings.Contains(pattern, "**") {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			ok, err := path.Match(pattern, path.Base(name))
			return err == nil && ok
		}
		return false
	}
	re := globRegexp(pattern)
	return re != nil && re.MatchString(name)
}

func globRegexp(pattern string) *regexp.Regexp {
	globMu.RLock()
	re, ok := globCache[pattern]
	globMu.RUnlock()
	if ok {
		return re
	}

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '*' && i+1 < len(pattern) && pattern[i+1] == '*':
			i++
			// "**/" also matches zero directories.
			if i+1 < len(pattern) && pattern[i+1] == '/' {
				i++
				b.WriteString("(?:.*/)?")
			} else {
				b.WriteString(".*")
			}
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		re = nil
	}
	globMu.Lock()
	globCache[pattern] = re
	globMu.Unlock()
	return re
}
