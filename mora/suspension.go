/*
suspension.go - Suspension window (prorroga) lifecycle

PURPOSE:
  Staff can grant an installment a grace window during which penalty accrual
  is paused. Creating a window freezes the installment's open accrual record
  at the day before the window starts; once the window ends, the engine
  resumes accrual through a fresh record (see engine.go).

INVARIANTS:
  - At most one active window per installment (conflict on creation)
  - End strictly after start, and after today (cannot create already-expired)
  - Freezing keeps the record PENDING: frozen is not closed

SEE ALSO:
  - engine.go: sweep ordering and post-suspension resumption
  - store/sqlite/sqlite.go: partial unique index backing the conflict rule
*/
package mora

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SuspensionManager owns the prorroga lifecycle.
type SuspensionManager struct {
	Windows  SuspensionStore
	Accruals AccrualStore
}

func NewSuspensionManager(windows SuspensionStore, accruals AccrualStore) *SuspensionManager {
	return &SuspensionManager{Windows: windows, Accruals: accruals}
}

// Create validates and persists a new window, freezing the installment's
// open accrual record if one exists. today is passed explicitly so the rule
// "end must be in the future" is testable.
func (m *SuspensionManager) Create(ctx context.Context, installmentID string, start, end Date, reason string, today Date) (*SuspensionWindow, error) {
	if installmentID == "" {
		return nil, &ValidationError{Field: "installment_id", Message: "required"}
	}
	if start.IsZero() || end.IsZero() {
		return nil, &ValidationError{Field: "start_date", Message: "start and end dates are required"}
	}
	if !end.After(start) {
		return nil, &ValidationError{Field: "end_date", Message: "must be strictly after start_date"}
	}
	if !end.After(today) {
		return nil, &ValidationError{Field: "end_date", Message: "must be after today"}
	}

	w := SuspensionWindow{
		ID:            uuid.NewString(),
		InstallmentID: installmentID,
		Start:         start,
		End:           end,
		Active:        true,
		Reason:        reason,
	}
	if err := m.Windows.SaveSuspension(ctx, w); err != nil {
		return nil, err
	}

	if err := m.freezeOpenRecord(ctx, installmentID, start); err != nil {
		return nil, fmt.Errorf("window %s saved but freeze failed: %w", w.ID, err)
	}
	return &w, nil
}

// freezeOpenRecord closes the accrual span of the installment's open record
// at the day before the suspension starts, recomputing the accrued amount up
// to that frozen end. The record stays PENDING: it resumes conceptually via
// a new record once the suspension ends.
func (m *SuspensionManager) freezeOpenRecord(ctx context.Context, installmentID string, suspensionStart Date) error {
	rec, err := m.Accruals.FindOpenPending(ctx, installmentID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	frozenEnd := suspensionStart.AddDays(-1)
	days := InclusiveDays(rec.Start, frozenEnd)
	rec.End = &frozenEnd
	rec.Accrued = rec.BaseDaily.Mul(decimal.NewFromInt(int64(days)))
	rec.Notes = appendNote(rec.Notes, fmt.Sprintf("frozen at %s by suspension starting %s", frozenEnd, suspensionStart))
	return m.Accruals.UpdateAccrual(ctx, *rec)
}

// Sweep deactivates every active window that ended before today. It runs
// first in every engine cycle, before paid close-out and accrual.
func (m *SuspensionManager) Sweep(ctx context.Context, today Date) (int, error) {
	n, err := m.Windows.DeactivateEnded(ctx, today)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[Suspensions] Swept %d expired window(s)", n)
	}
	return n, nil
}

// FindActive returns the active window covering today, or nil.
func (m *SuspensionManager) FindActive(ctx context.Context, installmentID string, today Date) (*SuspensionWindow, error) {
	return m.Windows.FindActiveSuspension(ctx, installmentID, today)
}

// LastEnded returns the most recent window with end before today, regardless
// of the active flag. Drives the post-suspension resumption decision.
func (m *SuspensionManager) LastEnded(ctx context.Context, installmentID string, today Date) (*SuspensionWindow, error) {
	return m.Windows.LastEndedSuspension(ctx, installmentID, today)
}

// Toggle flips a window's active flag manually. Activating a window whose
// installment already has another active one is a conflict.
func (m *SuspensionManager) Toggle(ctx context.Context, id string) (*SuspensionWindow, error) {
	w, err := m.Windows.GetSuspension(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrSuspensionNotFound
	}

	if !w.Active {
		existing, err := m.Windows.FindActiveAnySuspension(ctx, w.InstallmentID)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.ID != w.ID {
			return nil, ErrSuspensionConflict
		}
	}

	w.Active = !w.Active
	if err := m.Windows.UpdateSuspension(ctx, *w); err != nil {
		return nil, err
	}
	return w, nil
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "; " + note
}
