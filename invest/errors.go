/*
errors.go - Centralized error types for the payout engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Adapters wrap these errors with additional context.

ERROR CATEGORIES:
  1. Data errors    - Missing users, malformed plan/position terms
  2. Store errors   - Persistence failures (transient vs. fatal)
  3. Run errors     - Lease contention, desync escalation

PROPAGATION POLICY:
  No error from a single position aborts the batch. The orchestrator
  converts errors into per-position outcomes and returns a run summary.
  The only run-fatal condition is failure to obtain the due-position
  stream (ErrStoreUnavailable).

USAGE:
  if errors.Is(err, invest.ErrDuplicateEntry) {
      // Cycle already credited by a concurrent run; safe to skip.
  }

SEE ALSO:
  - engine.go: Converts these into Outcome records
  - stores.go: Store contracts that produce them
*/
package invest

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUserNotFound is returned when a position references a missing user.
	// The position is skipped untouched and the run continues.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidRate is returned when the resolved profit rate is zero or
	// negative. Data-integrity warning; the position is skipped.
	ErrInvalidRate = errors.New("invalid profit rate")

	// ErrInvalidFrequency is returned when the resolved payout frequency
	// is below one day.
	ErrInvalidFrequency = errors.New("invalid payout frequency")

	// ErrDuplicateEntry is returned when a ledger entry with the same
	// idempotency key already exists. This is the expected signal when a
	// position was selected twice by overlapping triggers.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")

	// ErrPositionConflict is returned when the optimistic advance guard
	// fails: the position is no longer active or no longer due.
	ErrPositionConflict = errors.New("position advance conflict")

	// ErrPositionNotFound is returned when a referenced position doesn't exist.
	ErrPositionNotFound = errors.New("position not found")

	// ErrPlanNotFound is returned when a referenced plan doesn't exist.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrStoreUnavailable is the only run-fatal error: the due-position
	// stream could not be obtained at all.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRunInProgress is returned by the lease when a payout run is
	// already executing. Callers treat it as an idempotent no-op.
	ErrRunInProgress = errors.New("payout run already in progress")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// PersistenceDesyncError is the most severe inconsistency class: wallet
// and ledger mutations landed but the position document could not be
// advanced, risking a duplicate payout on the next run. It is surfaced
// distinctly for operator alerting and reconciliation, never folded into
// generic warnings.
type PersistenceDesyncError struct {
	PositionID      PositionID
	UserID          UserID
	CreditedProfit  decimal.Decimal
	CreditedCapital decimal.Decimal
	Cause           error
}

func (e *PersistenceDesyncError) Error() string {
	return fmt.Sprintf("persistence desync on position %s: credited profit=%s capital=%s but advance failed: %v",
		e.PositionID, e.CreditedProfit, e.CreditedCapital, e.Cause)
}

func (e *PersistenceDesyncError) Unwrap() error { return e.Cause }

// TermsError reports malformed plan/position data with enough context
// for operator review.
type TermsError struct {
	PositionID PositionID
	PlanID     PlanID
	Field      string
	Cause      error
}

func (e *TermsError) Error() string {
	return fmt.Sprintf("invalid terms on position %s (plan %q): %s: %v",
		e.PositionID, e.PlanID, e.Field, e.Cause)
}

func (e *TermsError) Unwrap() error { return e.Cause }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsDataError returns true for malformed-data conditions that skip a
// position but never abort the run.
func IsDataError(err error) bool {
	return errors.Is(err, ErrInvalidRate) ||
		errors.Is(err, ErrInvalidFrequency) ||
		errors.Is(err, ErrUserNotFound)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrPositionNotFound) ||
		errors.Is(err, ErrPlanNotFound)
}
