// Package skillerr defines the fixed failure taxonomy shared across every
// component boundary in the durability core (spec §7). Results are
// explicit values carrying a Kind; nothing propagates as a raw exception
// across a component boundary.
package skillerr

import "fmt"

// Kind is one of the fixed taxonomy of failure kinds (spec §7).
type Kind string

const (
	// Transient is a generic transient I/O error.
	Transient Kind = "Transient"
	// RateLimited indicates downstream throttling.
	RateLimited Kind = "RateLimited"
	// Deadline indicates the op deadline was exceeded.
	Deadline Kind = "Deadline"
	// CircuitOpen indicates the local circuit breaker is open.
	CircuitOpen Kind = "CircuitOpen"
	// BudgetExceeded indicates a run/tenant budget was hit.
	BudgetExceeded Kind = "BudgetExceeded"
	// SchemaMismatch indicates the input/output contract was broken.
	SchemaMismatch Kind = "SchemaMismatch"
	// ParamMismatch indicates an idempotency key was reused with different params.
	ParamMismatch Kind = "ParamMismatch"
	// NotFound indicates a referenced resource is absent.
	NotFound Kind = "NotFound"
	// Forbidden indicates a policy denial.
	Forbidden Kind = "Forbidden"
	// UpstreamBug indicates a provider returned a malformed response.
	UpstreamBug Kind = "UpstreamBug"
	// InternalInvariant indicates a core invariant was violated (fatal, alert).
	InternalInvariant Kind = "InternalInvariant"
)

// defaultRetryable is the Kind -> retryable-by-default table (spec §7).
// Catalog entries (core/deadletter) may override this per (kind, matcher).
var defaultRetryable = map[Kind]bool{
	Transient:         true,
	RateLimited:       true,
	Deadline:          true,
	CircuitOpen:       true,
	BudgetExceeded:    false,
	SchemaMismatch:    false,
	ParamMismatch:     false,
	NotFound:          false,
	Forbidden:         false,
	UpstreamBug:       true,
	InternalInvariant: false,
}

// DefaultRetryable reports whether kind is retryable absent a catalog override.
func DefaultRetryable(kind Kind) bool {
	return defaultRetryable[kind]
}

// Outcome is the structured failure outcome every skill and component
// boundary returns instead of a raw error (spec §4.3, §7).
type Outcome struct {
	Kind         Kind
	Message      string
	Retryable    bool
	Attempt      int
	CatalogMatch string
}

// Error implements the error interface so Outcome can flow through
// standard error-handling call sites while still carrying structured data.
func (o *Outcome) Error() string {
	return fmt.Sprintf("%s: %s (attempt %d, retryable=%t)", o.Kind, o.Message, o.Attempt, o.Retryable)
}

// New builds an Outcome for kind with the default retryable flag, overridable
// via WithRetryable.
func New(kind Kind, format string, args ...any) *Outcome {
	return &Outcome{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: DefaultRetryable(kind),
	}
}

// WithRetryable overrides the retryable flag, e.g. from a catalog match.
func (o *Outcome) WithRetryable(retryable bool) *Outcome {
	o.Retryable = retryable
	return o
}

// WithAttempt records the attempt number this outcome was produced on.
func (o *Outcome) WithAttempt(attempt int) *Outcome {
	o.Attempt = attempt
	return o
}

// WithCatalogMatch records the failure catalog entry that classified this
// outcome, if any.
func (o *Outcome) WithCatalogMatch(name string) *Outcome {
	o.CatalogMatch = name
	return o
}

// As extracts an *Outcome from err, mirroring errors.As ergonomics for the
// common case of a skill body returning a non-Outcome error that must be
// wrapped before crossing the skill runtime boundary.
func As(err error) (*Outcome, bool) {
	oc, ok := err.(*Outcome)
	return oc, ok
}

// FromError wraps a plain error as a Transient Outcome when the skill body
// did not already produce a structured Outcome (spec §7: "anything thrown
// is caught and mapped to the taxonomy").
func FromError(err error) *Outcome {
	if err == nil {
		return nil
	}
	if oc, ok := As(err); ok {
		return oc
	}
	return New(Transient, "%s", err.Error())
}
