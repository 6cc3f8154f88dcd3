/*
discount.go - Discretionary discount application

PURPOSE:
  Staff can reduce an accrued penalty with a flat or percentage discount.
  At most one discount is active per accrual record at a time; applying or
  activating one deactivates its siblings. The parent record's discount
  amount is always a denormalized copy of the active discount's concrete
  value (0 when none) so downstream billing reads need no join.

SEE ALSO:
  - store/sqlite/sqlite.go: transactional Apply
  - api/handlers.go: batch apply and toggle endpoints
*/
package mora

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DiscountService applies and toggles discounts on accrual records.
type DiscountService struct {
	Discounts DiscountStore
	Accruals  AccrualStore
}

func NewDiscountService(discounts DiscountStore, accruals AccrualStore) *DiscountService {
	return &DiscountService{Discounts: discounts, Accruals: accruals}
}

// Apply validates and activates a new discount, deactivating any sibling and
// denormalizing the concrete amount into the parent record.
func (s *DiscountService) Apply(ctx context.Context, accrualRecordID string, isPercentage bool, amount decimal.Decimal, reason string) (*DiscountRecord, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if isPercentage && amount.GreaterThan(decimal.NewFromInt(100)) {
		return nil, &ValidationError{Field: "amount", Message: "percentage must not exceed 100"}
	}

	parent, err := s.Accruals.GetAccrual(ctx, accrualRecordID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, ErrAccrualNotFound
	}

	d := DiscountRecord{
		ID:              uuid.NewString(),
		AccrualRecordID: accrualRecordID,
		IsPercentage:    isPercentage,
		Amount:          amount,
		Reason:          reason,
		Active:          true,
	}
	if err := s.Discounts.ApplyDiscount(ctx, d, d.EffectiveAmount(parent.Accrued)); err != nil {
		return nil, err
	}
	return &d, nil
}

// ApplyBatch applies one discount per accrual record, sharing a reason.
// Individual failures abort the batch at that element; prior elements stand
// on their own (each apply is one database transaction).
func (s *DiscountService) ApplyBatch(ctx context.Context, items []BatchDiscountItem, reason string) ([]DiscountRecord, error) {
	created := make([]DiscountRecord, 0, len(items))
	for _, item := range items {
		d, err := s.Apply(ctx, item.AccrualRecordID, item.IsPercentage, item.Amount, reason)
		if err != nil {
			return created, err
		}
		created = append(created, *d)
	}
	return created, nil
}

// BatchDiscountItem is one element of a batch application.
type BatchDiscountItem struct {
	AccrualRecordID string
	IsPercentage    bool
	Amount          decimal.Decimal
}

// ToggleStatus flips a discount's active flag. Activating deactivates its
// siblings. Afterwards the parent's denormalized amount is recomputed from
// whichever discount is now active (0 when none).
func (s *DiscountService) ToggleStatus(ctx context.Context, id string) (*DiscountRecord, error) {
	d, err := s.Discounts.GetDiscount(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrDiscountNotFound
	}

	if d.Active {
		if err := s.Discounts.SetDiscountActive(ctx, d.ID, false); err != nil {
			return nil, err
		}
		d.Active = false
	} else {
		if err := s.Discounts.DeactivateDiscountsFor(ctx, d.AccrualRecordID, d.ID); err != nil {
			return nil, err
		}
		if err := s.Discounts.SetDiscountActive(ctx, d.ID, true); err != nil {
			return nil, err
		}
		d.Active = true
	}

	if err := s.refreshParent(ctx, d.AccrualRecordID); err != nil {
		return nil, err
	}
	return d, nil
}

// refreshParent recomputes the parent's denormalized discount amount from
// the currently active discount.
func (s *DiscountService) refreshParent(ctx context.Context, accrualRecordID string) error {
	parent, err := s.Accruals.GetAccrual(ctx, accrualRecordID)
	if err != nil {
		return err
	}
	if parent == nil {
		return ErrAccrualNotFound
	}

	active, err := s.Discounts.FindActiveDiscountFor(ctx, accrualRecordID)
	if err != nil {
		return err
	}

	amount := decimal.Zero
	if active != nil {
		amount = active.EffectiveAmount(parent.Accrued)
	}
	return s.Accruals.SetDiscount(ctx, accrualRecordID, amount)
}
