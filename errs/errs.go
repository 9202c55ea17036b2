// Package errs declares the typed error-kind taxonomy used throughout
// stratadb. Every kind is a gopkg.in/src-d/go-errors.v1 Kind; callers
// construct instances with .New and test membership with .Is.
package errs

import "gopkg.in/src-d/go-errors.v1"

var (
	// Parse is returned for malformed source with a span attached.
	Parse = errors.NewKind("parse error: %s")

	// Type is returned when an operator receives an operand of the
	// wrong type.
	Type = errors.NewKind("type error: operator %s cannot accept %s")

	// Schema is returned for declared type/arity mismatches, duplicate
	// relations, and unknown relation/column references.
	Schema = errors.NewKind("schema error: %s")

	// Semantics is returned for negation/aggregation-through-recursion,
	// unbound anonymous bindings, and invalid fixed-rule argument
	// shapes.
	Semantics = errors.NewKind("semantics error: %s")

	// Runtime is returned for division by zero, out-of-range casts,
	// and invalid vector dimensions.
	Runtime = errors.NewKind("runtime error: %s")

	// Transaction is returned for conflicts, aborts, and reuse of a
	// committed/aborted transaction.
	Transaction = errors.NewKind("transaction error: %s")

	// Cancelled is returned when a query is interrupted by its
	// cancellation token.
	Cancelled = errors.NewKind("query cancelled: %s")

	// Internal marks an invariant violation; it should never surface
	// from a released build.
	Internal = errors.NewKind("internal error: %s")
)

// Span locates an error within a source script.
type Span struct {
	Start, End int
	Line, Col  int
}

// SpannedError wraps an error produced by the Parse kind with a source span.
// Other kinds carry no span since they arise after parsing.
type SpannedError struct {
	Err  error
	Span Span
}

func (e *SpannedError) Error() string {
	return e.Err.Error()
}

func (e *SpannedError) Unwrap() error {
	return e.Err
}

// NewParse builds a Parse-kind error decorated with its source span.
func NewParse(span Span, format string, args ...interface{}) error {
	return &SpannedError{Err: Parse.New(format, args...), Span: span}
}
