package expr

import (
	"fmt"
	"strings"
)

// BinaryOp is a function that compares two values and returns a boolean result.
type BinaryOp func(left, right any) bool

// Evaluator evaluates boolean expressions with optional custom operators.
type Evaluator struct {
	customOps map[string]BinaryOp
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCustomOperator registers a custom binary operator.
// The operator name should not conflict with built-in operators.
func WithCustomOperator(name string, fn BinaryOp) Option {
	return func(e *Evaluator) {
		if e.customOps == nil {
			e.customOps = make(map[string]BinaryOp)
		}
		e.customOps[name] = fn
	}
}

// New creates a new Evaluator with the given options.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate evaluates a boolean expression against the provided variables.
func (e *Evaluator) Evaluate(expr string, vars map[string]any) (bool, error) {
	return e.evaluateCondition(expr, vars)
}

// All reports whether every expression holds. An empty list holds.
func (e *Evaluator) All(exprs []string, vars map[string]any) (bool, error) {
	for _, x := range exprs {
		ok, err := e.evaluateCondition(x, vars)
		if err != nil {
			return false, fmt.Errorf("condition %q: %w", x, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Eval is a convenience function that evaluates an expression using
// the default evaluator (no custom operators).
func Eval(expr string, vars map[string]any) (bool, error) {
	return New().Evaluate(expr, vars)
}

type builtinOp struct {
	op      string
	compare BinaryOp
}

// Longer and word operators come first so "<=" is not split as "<".
var builtinOps = []builtinOp{
	{" matches ", func(l, r any) bool { return Match(fmt.Sprint(r), fmt.Sprint(l)) }},
	{" startswith ", func(l, r any) bool { return strings.HasPrefix(fmt.Sprint(l), fmt.Sprint(r)) }},
	{" endswith ", func(l, r any) bool { return strings.HasSuffix(fmt.Sprint(l), fmt.Sprint(r)) }},
	{" contains ", compareContains},
	{" in ", compareIn},
	{"==", compareEquals},
	{"!=", compareNotEquals},
	{">=", compareGTE},
	{"<=", compareLTE},
	{">", compareGT},
	{"<", compareLT},
}

// evaluateCondition evaluates a condition expression.
func (e *Evaluator) evaluateCondition(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil
	}

	if strings.HasPrefix(expr, "not ") {
		result, err := e.evaluateCondition(strings.TrimPrefix(expr, "not "), vars)
		if err != nil {
			return false, err
		}
		return !result, nil
	}

	if strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!=") {
		result, err := e.evaluateCondition(strings.TrimPrefix(expr, "!"), vars)
		if err != nil {
			return false, err
		}
		return !result, nil
	}

	if parts := splitOutsideQuotes(expr, " and "); len(parts) == 2 {
		left, err := e.evaluateCondition(parts[0], vars)
		if err != nil || !left {
			return false, err
		}
		return e.evaluateCondition(parts[1], vars)
	}

	if parts := splitOutsideQuotes(expr, " or "); len(parts) == 2 {
		left, err := e.evaluateCondition(parts[0], vars)
		if err != nil {
			return false, err
		}
		if left {
			return true, nil
		}
		return e.evaluateCondition(parts[1], vars)
	}

	for _, op := range builtinOps {
		if parts := splitOutsideQuotes(expr, op.op); len(parts) == 2 {
			l, r := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
			if l == "" || r == "" {
				return false, fmt.Errorf("operator %q needs two operands", strings.TrimSpace(op.op))
			}
			return op.compare(Resolve(l, vars), Resolve(r, vars)), nil
		}
	}

	for name, fn := range e.customOps {
		if parts := splitOutsideQuotes(expr, " "+name+" "); len(parts) == 2 {
			return fn(Resolve(parts[0], vars), Resolve(parts[1], vars)), nil
		}
	}

	return IsTruthy(Resolve(expr, vars)), nil
}

// Validate reports syntax problems without evaluating: unbalanced quotes
// and operators missing an operand.
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("empty condition")
	}
	if strings.Count(expr, "'")%2 != 0 || strings.Count(expr, `"`)%2 != 0 {
		return fmt.Errorf("unbalanced quotes in %q", expr)
	}
	_, err := New().Evaluate(expr, nil)
	return err
}

// splitOutsideQuotes splits s at the first occurrence of sep that is not
// inside a quoted literal.
func splitOutsideQuotes(s, sep string) []string {
	var quote byte
	for i := 0; i+len(sep) <= len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case strings.HasPrefix(s[i:], sep):
			return []string{s[:i], s[i+len(sep):]}
		}
	}
	return []string{s}
}
