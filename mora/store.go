/*
store.go - Persistence interfaces between the domain logic and the database

PURPOSE:
  Defines the repository contracts the accrual engine and the staff-facing
  services depend on. Every relation traversal the engine needs is an
  explicit method with a defined not-found behavior (nil, not an error),
  so there is no lazy loading that silently produces nulls.

KEY INTERFACES:
  InstallmentLedger: the external billing ledger (read, plus MarkPaid)
  PeriodResolver:    semester/period lookup for an installment
  PolicyStore:       accrual policy rows
  SuspensionStore:   prorroga windows
  AccrualStore:      accrual records
  DiscountStore:     discount records (transactional apply)
  RunStore:          daily run records (scheduler/CLI idempotence guard)

  One concrete store may implement several of these, so method names are
  entity-qualified.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite (also used in tests via ":memory:")

SEE ALSO:
  - engine.go: consumes these interfaces
  - store/sqlite/sqlite.go: concrete implementation
*/
package mora

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INSTALLMENT LEDGER - external collaborator
// =============================================================================

// InstallmentLedger is the source of truth for tuition installments.
// The engine only reads it; MarkPaid exists for administration and tests
// (payment processing itself lives outside this system).
type InstallmentLedger interface {
	// ListOutstanding returns installments in pending or partial status.
	ListOutstanding(ctx context.Context) ([]Installment, error)

	// GetInstallment returns an installment by ID, or nil when unknown.
	GetInstallment(ctx context.Context, id string) (*Installment, error)

	// MarkPaid flips an installment to paid.
	MarkPaid(ctx context.Context, id string) error
}

// PeriodResolver resolves the academic scoping of an installment.
// Returns nil (not an error) when the period cannot be determined; the
// engine logs and skips such installments.
type PeriodResolver interface {
	Resolve(ctx context.Context, installmentID string) (*InstallmentPeriod, error)
}

// =============================================================================
// POLICY STORE
// =============================================================================

// PolicyStore persists accrual policies.
type PolicyStore interface {
	// SavePolicy inserts a policy. When p.Active, prior active rows for the
	// same key tuple are deactivated in the same database transaction.
	SavePolicy(ctx context.Context, p AccrualPolicy) error

	// FindActivePolicies returns every active policy for the key whose
	// effective window covers asOf. The caller decides what zero or
	// multiple matches mean; the store does not.
	FindActivePolicies(ctx context.Context, key PolicyKey, asOf Date) ([]AccrualPolicy, error)

	// GetPolicy returns a policy by ID, or nil when unknown.
	GetPolicy(ctx context.Context, id string) (*AccrualPolicy, error)

	// ListPolicies returns all policies.
	ListPolicies(ctx context.Context) ([]AccrualPolicy, error)
}

// =============================================================================
// SUSPENSION STORE
// =============================================================================

// SuspensionStore persists prorroga windows.
type SuspensionStore interface {
	// SaveSuspension inserts a window. Returns ErrSuspensionConflict when
	// an active window already exists for the installment (enforced by a
	// partial unique index).
	SaveSuspension(ctx context.Context, w SuspensionWindow) error

	// UpdateSuspension rewrites an existing window.
	UpdateSuspension(ctx context.Context, w SuspensionWindow) error

	// GetSuspension returns a window by ID, or nil when unknown.
	GetSuspension(ctx context.Context, id string) (*SuspensionWindow, error)

	// FindActiveSuspension returns the active window for the installment
	// that covers the given day, or nil.
	FindActiveSuspension(ctx context.Context, installmentID string, day Date) (*SuspensionWindow, error)

	// FindActiveAnySuspension returns the installment's active window
	// regardless of whether it covers any particular day, or nil.
	FindActiveAnySuspension(ctx context.Context, installmentID string) (*SuspensionWindow, error)

	// LastEndedSuspension returns the most recent window (by end date) for
	// the installment with end < before, regardless of the active flag.
	// Nil when none ended yet.
	LastEndedSuspension(ctx context.Context, installmentID string, before Date) (*SuspensionWindow, error)

	// DeactivateEnded flips active off on every active window with
	// end < before. Returns the number of windows swept.
	DeactivateEnded(ctx context.Context, before Date) (int, error)

	// ListSuspensionsByInstallment returns all windows for an installment.
	ListSuspensionsByInstallment(ctx context.Context, installmentID string) ([]SuspensionWindow, error)
}

// =============================================================================
// ACCRUAL STORE
// =============================================================================

// AccrualStore persists accrual records.
type AccrualStore interface {
	// SaveAccrual inserts a record.
	SaveAccrual(ctx context.Context, r AccrualRecord) error

	// UpdateAccrual rewrites an existing record.
	UpdateAccrual(ctx context.Context, r AccrualRecord) error

	// GetAccrual returns a record by ID, or nil when unknown.
	GetAccrual(ctx context.Context, id string) (*AccrualRecord, error)

	// FindOpenPending returns the installment's pending record with no end
	// date, or nil. At most one such record exists per installment.
	FindOpenPending(ctx context.Context, installmentID string) (*AccrualRecord, error)

	// FindOpenPendingFrom returns the installment's open pending record
	// with start >= from (the post-suspension guard), or nil.
	FindOpenPendingFrom(ctx context.Context, installmentID string, from Date) (*AccrualRecord, error)

	// FindPendingThrough returns a pending record (open or frozen) with
	// start <= through, or nil. Used to establish that accrual history
	// predates a suspension window.
	FindPendingThrough(ctx context.Context, installmentID string, through Date) (*AccrualRecord, error)

	// FindLatestAccrual returns the installment's most recent record by
	// start date regardless of status, or nil.
	FindLatestAccrual(ctx context.Context, installmentID string) (*AccrualRecord, error)

	// ListOpenPending returns every pending record with no end date,
	// across installments. Drives the close-paid step.
	ListOpenPending(ctx context.Context) ([]AccrualRecord, error)

	// ListAccrualsByInstallment returns all records for an installment.
	ListAccrualsByInstallment(ctx context.Context, installmentID string) ([]AccrualRecord, error)

	// SetDiscount writes the denormalized discount amount on a record.
	SetDiscount(ctx context.Context, id string, amount decimal.Decimal) error
}

// =============================================================================
// DISCOUNT STORE
// =============================================================================

// DiscountStore persists discount records.
type DiscountStore interface {
	// ApplyDiscount inserts d as the active discount for its accrual
	// record, deactivates sibling discounts, and denormalizes effective
	// into the parent record's discount amount, all in one database
	// transaction.
	ApplyDiscount(ctx context.Context, d DiscountRecord, effective decimal.Decimal) error

	// GetDiscount returns a discount by ID, or nil when unknown.
	GetDiscount(ctx context.Context, id string) (*DiscountRecord, error)

	// SetDiscountActive flips the active flag on one discount.
	SetDiscountActive(ctx context.Context, id string, active bool) error

	// DeactivateDiscountsFor deactivates every discount of an accrual
	// record except the given ID (empty = all).
	DeactivateDiscountsFor(ctx context.Context, accrualRecordID, exceptID string) error

	// FindActiveDiscountFor returns the active discount for an accrual
	// record, or nil.
	FindActiveDiscountFor(ctx context.Context, accrualRecordID string) (*DiscountRecord, error)

	// ListDiscountsFor returns all discounts for an accrual record.
	ListDiscountsFor(ctx context.Context, accrualRecordID string) ([]DiscountRecord, error)
}

// =============================================================================
// RUN STORE - daily run records
// =============================================================================

// RunRecord captures one engine invocation for audit and for the
// already-ran-today guard used by the scheduler and the CLI.
type RunRecord struct {
	ID          string
	RunDate     Date
	Trigger     string // "scheduler", "cli", "api"
	Status      string // "running", "completed", "failed"
	Summary     BatchSummary
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// RunStore persists run records.
type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// HasCompletedRun reports whether a completed run exists for the date.
	HasCompletedRun(ctx context.Context, day Date) (bool, error)
}
