/*
Package mora implements the late-fee accrual engine for tuition installments.

PURPOSE:
  This package contains the domain types and algorithms for day-accurate
  penalty accrual on overdue tuition installments: policy lookup, suspension
  (prorroga) windows that freeze accrual, post-suspension resumption, payment
  close-out, and discretionary discounts.

KEY CONCEPTS IN THIS FILE (types.go):
  - Installment: one scheduled tuition payment obligation (external ledger)
  - AccrualPolicy: per (pensum, installment, semester, period) daily penalty
  - SuspensionWindow: a time-boxed exemption that pauses accrual
  - AccrualRecord: the stateful entity tracking accrued penalty per installment
  - DiscountRecord: a discretionary reduction layered onto an AccrualRecord
  - BatchSummary: result counters for one daily engine run

DESIGN PRINCIPLES:
  1. Precision: shopspring/decimal for all money, never float
  2. Inclusive day count: accrual counts from day 1 on the effective date
  3. Resilience: one bad installment never aborts the daily batch
  4. Denormalization: the parent AccrualRecord always carries the currently
     active discount amount so billing reads need no join

SEE ALSO:
  - engine.go: The daily batch orchestrator
  - policy.go: Policy resolution and per-run caching
  - suspension.go: Suspension window lifecycle and freezing
  - discount.go: Discount application and toggling
*/
package mora

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS & STATUSES
// =============================================================================

// PaymentStatus is the billing ledger's view of an installment.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// AccrualStatus is the lifecycle state of an AccrualRecord.
// Transitions: (none) -> pending -> paid. A pending record may be frozen
// (accrual end set) by a suspension while staying pending. There is no
// transition out of paid.
type AccrualStatus string

const (
	AccrualPending AccrualStatus = "pending"
	AccrualPaid    AccrualStatus = "paid"
	AccrualWaived  AccrualStatus = "waived"
)

// =============================================================================
// INSTALLMENT - external billing ledger entity (referenced by ID)
// =============================================================================

// Installment is one tuition payment obligation as reported by the ledger.
type Installment struct {
	ID                string
	StudentID         string
	PensumCode        string
	InstallmentNumber int // 1..5
	PaymentStatus     PaymentStatus
}

// InstallmentPeriod is the academic scoping of an installment, resolved
// externally (the PeriodResolver contract). Semester plus governing period
// (gestion, e.g. "2025-1") scope policy and suspension lookups.
type InstallmentPeriod struct {
	Semester string
	Period   string
}

// =============================================================================
// ACCRUAL POLICY - per-key daily penalty configuration
// =============================================================================

// PolicyKey identifies the configuration scope of an accrual policy.
type PolicyKey struct {
	PensumCode        string
	InstallmentNumber int
	Semester          string
	Period            string
}

// AccrualPolicy is the daily penalty configuration for one key tuple.
// At most one active policy may exist per key at a time; creating a new one
// deactivates prior overlapping ones.
type AccrualPolicy struct {
	ID             string
	Key            PolicyKey
	DailyPenalty   decimal.Decimal
	EffectiveStart Date
	EffectiveEnd   *Date // nil = open-ended
	Active         bool
}

// Covers reports whether the policy's effective window includes asOf.
func (p AccrualPolicy) Covers(asOf Date) bool {
	if p.EffectiveStart.After(asOf) {
		return false
	}
	return p.EffectiveEnd == nil || !p.EffectiveEnd.Before(asOf)
}

// =============================================================================
// SUSPENSION WINDOW (PRORROGA)
// =============================================================================

// SuspensionWindow pauses accrual for one installment during [Start, End].
// At most one active window per installment at any time.
type SuspensionWindow struct {
	ID            string
	InstallmentID string
	Start         Date
	End           Date
	Active        bool
	Reason        string
}

// Covers reports whether the window includes the given day.
func (w SuspensionWindow) Covers(day Date) bool {
	return !w.Start.After(day) && !w.End.Before(day)
}

// =============================================================================
// ACCRUAL RECORD (ASIGNACION MORA)
// =============================================================================

// AccrualRecord tracks accrued penalty for one installment under one policy.
// End == nil means the record is still accruing ("open"). A suspension
// freezes an open record by setting End = suspension start - 1 day; the
// record stays pending and a fresh record covers the post-suspension span.
type AccrualRecord struct {
	ID            string
	InstallmentID string
	PolicyID      string
	Start         Date
	End           *Date
	BaseDaily     decimal.Decimal // copied from the policy at creation
	Accrued       decimal.Decimal
	Discount      decimal.Decimal // denormalized from the active DiscountRecord
	Status        AccrualStatus
	Notes         string
}

// Open reports whether the record is still accruing.
func (r AccrualRecord) Open() bool {
	return r.Status == AccrualPending && r.End == nil
}

// NetAmount is the accrued penalty after the active discount.
func (r AccrualRecord) NetAmount() decimal.Decimal {
	net := r.Accrued.Sub(r.Discount)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// =============================================================================
// DISCOUNT RECORD (DESCUENTO MORA)
// =============================================================================

// DiscountRecord is a discretionary reduction on an AccrualRecord.
// At most one active discount per record; activating one deactivates
// its siblings.
type DiscountRecord struct {
	ID              string
	AccrualRecordID string
	IsPercentage    bool
	Amount          decimal.Decimal // percentage (0..100) or flat amount
	Reason          string
	Active          bool
}

// EffectiveAmount resolves the concrete reduction against an accrued total.
// Percentage discounts are rounded to cents.
func (d DiscountRecord) EffectiveAmount(accrued decimal.Decimal) decimal.Decimal {
	if !d.IsPercentage {
		return d.Amount
	}
	return accrued.Mul(d.Amount).Div(decimal.NewFromInt(100)).Round(2)
}

// =============================================================================
// BATCH SUMMARY - result counters for one engine run
// =============================================================================

// BatchSummary reports what one daily run did. Skipped counts installments
// left untouched for expected reasons (unresolved period, missing or
// ambiguous policy, active suspension, policy not yet effective). Errors
// counts per-installment failures that were logged and survived.
type BatchSummary struct {
	Created int
	Updated int
	Closed  int
	Skipped int
	Errors  int
}

// MustDecimal parses a decimal string, returning zero on failure.
// Intended for constants and store scanning.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
