package faults

import (
	"errors"
	"fmt"

	"github.com/finsec/kyt/internal/models"
)

// Category is the normalized failure taxonomy shared by every stage.
type Category string

const (
	// CategoryMalformedInput indicates bad input data, rejected before a
	// stage executes. User-correctable, never retried.
	CategoryMalformedInput Category = "malformed_input"

	// CategoryTransientUnavailable indicates an external service timeout
	// or outage. Retried with bounded backoff.
	CategoryTransientUnavailable Category = "transient_unavailable"

	// CategorySchemaViolation indicates stage output that failed
	// validation. Recoverable at item granularity.
	CategorySchemaViolation Category = "schema_violation"

	// CategoryStageFailure indicates a stage whose retry budget is
	// exhausted; the run proceeds degraded without its output.
	CategoryStageFailure Category = "stage_failure"

	// CategoryIncompleteUpstream indicates a stage with no usable input.
	CategoryIncompleteUpstream Category = "incomplete_upstream"

	// CategoryInternal indicates an unexpected internal error.
	CategoryInternal Category = "internal"
)

// Fault wraps stage and service failures with normalized categorization.
type Fault struct {
	Category   Category
	Stage      models.Stage
	Message    string
	Underlying error
	Retryable  bool
}

func (f *Fault) Error() string {
	if f.Underlying != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", f.Stage, f.Category, f.Message, f.Underlying)
	}
	return fmt.Sprintf("%s [%s]: %s", f.Stage, f.Category, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Underlying
}

// New creates a categorized fault. Only transient unavailability is
// retryable.
func New(category Category, stage models.Stage, message string, underlying error) *Fault {
	return &Fault{
		Category:   category,
		Stage:      stage,
		Message:    message,
		Underlying: underlying,
		Retryable:  category == CategoryTransientUnavailable,
	}
}

// IsRetryable reports whether an error is worth retrying.
func IsRetryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable
	}
	return false
}

// CategoryOf extracts the category from an error.
func CategoryOf(err error) Category {
	var f *Fault
	if errors.As(err, &f) {
		return f.Category
	}
	return CategoryInternal
}

// Partial signals that a stage produced usable output for part of its
// input. The orchestrator records the stage as partial and continues with
// whatever was produced.
type Partial struct {
	Stage     models.Stage
	Failed    int
	Total     int
	LastError error
}

func (p *Partial) Error() string {
	return fmt.Sprintf("%s: %d of %d units failed: %v", p.Stage, p.Failed, p.Total, p.LastError)
}

func (p *Partial) Unwrap() error {
	return p.LastError
}

// IsPartial reports whether an error carries a partial result and returns it.
func IsPartial(err error) (*Partial, bool) {
	var p *Partial
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}
