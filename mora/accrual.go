/*
accrual.go - Administrative operations on accrual records

PURPOSE:
  Staff-facing mutations outside the daily batch. Currently only waiving:
  writing off an accrued penalty entirely, which removes the record from
  the engine's open set without pretending it was paid.

SEE ALSO:
  - engine.go: the batch-owned lifecycle (pending -> paid)
*/
package mora

import (
	"context"
	"fmt"
)

// AccrualService owns administrative accrual record mutations.
type AccrualService struct {
	Accruals AccrualStore
}

func NewAccrualService(accruals AccrualStore) *AccrualService {
	return &AccrualService{Accruals: accruals}
}

// Waive writes off a pending record: status becomes waived and the accrual
// span is closed. Paid and already-waived records cannot be waived.
func (s *AccrualService) Waive(ctx context.Context, id, reason string, today Date) (*AccrualRecord, error) {
	rec, err := s.Accruals.GetAccrual(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrAccrualNotFound
	}
	if rec.Status != AccrualPending {
		return nil, &ValidationError{Field: "status", Message: "only pending records can be waived"}
	}

	rec.Status = AccrualWaived
	if rec.End == nil {
		rec.End = &today
	}
	note := fmt.Sprintf("waived %s", today)
	if reason != "" {
		note += ": " + reason
	}
	rec.Notes = appendNote(rec.Notes, note)

	if err := s.Accruals.UpdateAccrual(ctx, *rec); err != nil {
		return nil, err
	}
	return rec, nil
}
