/*
errors.go - Centralized error types for the accrual engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API layer maps these onto HTTP status codes; the engine uses the
  lookup-miss category to decide skip-vs-fail per installment.

ERROR CATEGORIES:
  1. Validation errors - malformed dates or amounts, surfaced as 422
  2. Conflict errors   - at-most-one-active invariant violations, 409
  3. Lookup misses     - expected skips during batch processing, never
                         surfaced to a caller (logged and counted)
  4. Not-found errors  - missing entities on direct API access, 404

USAGE:
    if mora.IsLookupMiss(err) {
        // expected: skip this installment, continue the batch
    }

SEE ALSO:
  - engine.go: continue-vs-abort decisions in the daily loop
  - api/handlers.go: HTTP status mapping
*/
package mora

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all input validation failures.
	ErrValidation = errors.New("validation failed")

	// ErrSuspensionConflict is returned when an active suspension window
	// already exists for the installment.
	ErrSuspensionConflict = errors.New("active suspension window already exists")

	// ErrDiscountConflict is returned when a second active discount would
	// violate the at-most-one-active invariant. The normal apply path
	// deactivates siblings first, so this only surfaces on races.
	ErrDiscountConflict = errors.New("active discount already exists")

	// ErrPolicyNotFound is returned when no active policy covers the key
	// tuple on the given day. The engine treats this as a skip.
	ErrPolicyNotFound = errors.New("no active accrual policy")

	// ErrPolicyAmbiguous is returned when more than one active policy covers
	// the key tuple on the given day. Deliberately conservative: the engine
	// skips the installment rather than guess which configuration applies.
	ErrPolicyAmbiguous = errors.New("multiple active accrual policies")

	// ErrPeriodUnresolved is returned when the semester/period of an
	// installment cannot be determined. The engine treats this as a skip.
	ErrPeriodUnresolved = errors.New("installment period unresolved")

	// ErrInstallmentNotFound is returned for unknown installment IDs.
	ErrInstallmentNotFound = errors.New("installment not found")

	// ErrAccrualNotFound is returned for unknown accrual record IDs.
	ErrAccrualNotFound = errors.New("accrual record not found")

	// ErrDiscountNotFound is returned for unknown discount record IDs.
	ErrDiscountNotFound = errors.New("discount record not found")

	// ErrSuspensionNotFound is returned for unknown suspension window IDs.
	ErrSuspensionNotFound = errors.New("suspension window not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true for invalid client input (HTTP 422).
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict returns true for at-most-one-active violations (HTTP 409).
func IsConflict(err error) bool {
	return errors.Is(err, ErrSuspensionConflict) ||
		errors.Is(err, ErrDiscountConflict)
}

// IsNotFound returns true if the error indicates a missing entity (HTTP 404).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInstallmentNotFound) ||
		errors.Is(err, ErrAccrualNotFound) ||
		errors.Is(err, ErrDiscountNotFound) ||
		errors.Is(err, ErrSuspensionNotFound)
}

// IsLookupMiss returns true for conditions the daily batch is expected to
// skip over: missing or ambiguous policy configuration, or an installment
// whose academic period cannot be resolved. These are not failures.
func IsLookupMiss(err error) bool {
	return errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrPolicyAmbiguous) ||
		errors.Is(err, ErrPeriodUnresolved)
}
