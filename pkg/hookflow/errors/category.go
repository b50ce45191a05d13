// Package errors categorizes dispatch failures and provides retry helpers.
//
// Categories drive dead letter classification:
//   - Transient: retrying later will likely help (timeouts, open circuits,
//     unavailable downstreams)
//   - Fixable: the event needs a transformation before it can succeed
//     (payload validation failures)
//   - Permanent: retrying will not help (handler panics, explicit rejects)
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// Category represents how a failure should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	CategoryTransient Category = iota

	// CategoryFixable indicates the event must be transformed first.
	CategoryFixable

	// CategoryPermanent indicates retry won't help.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryFixable:
		return "fixable"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ParseCategory is the inverse of String. Unknown names are transient.
func ParseCategory(s string) Category {
	switch s {
	case "fixable":
		return CategoryFixable
	case "permanent":
		return CategoryPermanent
	default:
		return CategoryTransient
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient marks err as worth retrying.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Fixable marks err as needing an event transformation.
func Fixable(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryFixable, context)
}

// Permanent marks err as not worth retrying. Handlers return it to send an
// event straight to manual resolution.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how a failure should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var timeoutErr *event.HandlerTimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	var circuitErr *event.CircuitOpenError
	if errors.As(err, &circuitErr) {
		return CategoryTransient
	}

	var valErr *event.ValidationError
	if errors.As(err, &valErr) {
		return CategoryFixable
	}

	var handlerErr *event.HandlerError
	if errors.As(err, &handlerErr) && handlerErr.Panic {
		return CategoryPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryTransient
	}

	if errors.Is(err, errors.ErrUnsupported) {
		return CategoryPermanent
	}

	// Handler failures are assumed transient until the retry schedule runs out.
	return CategoryTransient
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
