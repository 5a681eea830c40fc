package types

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// Sentinel errors for the core taxonomy. Components wrap these with %w and
// callers classify with errors.Is.
var (
	// ErrNotFound: unknown record id or unknown user profile.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied: authorization refused. Always audited.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRateLimited: retryable; no mutation performed.
	ErrRateLimited = errors.New("rate limited")

	// ErrBatchTooLarge: batch or estimated match count exceeds a hard
	// ceiling. Retryable after splitting; no mutation performed.
	ErrBatchTooLarge = errors.New("batch too large")

	// ErrConflict: concurrent update lost; retry under the user lock.
	ErrConflict = errors.New("conflict")

	// ErrEnrichmentDegraded: one or more enrichment stages failed. The
	// record is still stored with the failure flagged on it.
	ErrEnrichmentDegraded = errors.New("enrichment degraded")

	// ErrIndexUnavailable: vector or fulltext strategy disabled or failing;
	// retrieval continues degraded.
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrTierUnavailable: a storage tier could not be reached. Reads are
	// partial; mutations fail closed when the authoritative tier is down.
	ErrTierUnavailable = errors.New("tier unavailable")

	// ErrAuditUnavailable: fatal for mutations; the operation is blocked.
	ErrAuditUnavailable = errors.New("audit unavailable")
)

// IsRetryable reports whether the caller may retry the identical request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrBatchTooLarge)
}

// ValidationError reports one malformed field on a submitted record.
// Reported per item; the batch continues.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ValidationErrors aggregates every problem found in one record so callers
// see all failures at once instead of fixing them one by one.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation: no errors"
	}
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Error()
	}
	return strings.Join(parts, "; ")
}

// AsValidation extracts validation details from an error chain.
func AsValidation(err error) (ValidationErrors, bool) {
	var many ValidationErrors
	if errors.As(err, &many) {
		return many, true
	}
	var one *ValidationError
	if errors.As(err, &one) {
		return ValidationErrors{one}, true
	}
	return nil, false
}

// PermissionError carries the refusal reason, what the operator would need,
// and the risk flags that fired. Unwraps to ErrPermissionDenied.
type PermissionError struct {
	Reason         string
	RequiredAction string
	Flags          []string
	Risk           RiskLevel
}

func (e *PermissionError) Error() string {
	if e.RequiredAction != "" {
		return fmt.Sprintf("permission denied: %s (requires %s)", e.Reason, e.RequiredAction)
	}
	return "permission denied: " + e.Reason
}

func (e *PermissionError) Unwrap() error {
	return ErrPermissionDenied
}
