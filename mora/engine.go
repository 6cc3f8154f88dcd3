/*
engine.go - The daily accrual batch

PURPOSE:
  Runs once per day over every outstanding installment and brings its
  accrual state up to date. Strict step order per run:

    1. Sweep expired suspension windows
    2. Close accrual records whose installment was paid (amount frozen at
       the last computed value; only the status changes)
    3. For each outstanding installment: resolve period and policy, honor
       active suspensions, resume after ended suspensions through a fresh
       record, otherwise update or create the open record

  The run is idempotent for a given "today": recomputation is deterministic,
  so running twice without intervening payments changes nothing.

DAY COUNT:
  Inclusive of both endpoints. If the policy becomes effective on D and
  today is D, one day has accrued, not zero.

FAILURE MODEL:
  Per-installment failures are logged with the installment ID, counted in
  the summary, and never abort the batch. Failures before the loop starts
  (sweep, close-out listing, outstanding listing) abort the run.

CONCURRENCY:
  Single-threaded by design; serialization of runs is enforced externally
  (scheduler run records, cron). Two simultaneous runs could double-accrue.

SEE ALSO:
  - suspension.go: sweep and freeze semantics
  - policy.go: conservative policy resolution and the per-run cache
*/
package mora

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine orchestrates the daily accrual batch.
type Engine struct {
	Ledger      InstallmentLedger
	Periods     PeriodResolver
	Policies    *PolicyService
	Suspensions *SuspensionManager
	Accruals    AccrualStore
}

// NewEngine wires the engine from its collaborators.
func NewEngine(ledger InstallmentLedger, periods PeriodResolver, policies *PolicyService, suspensions *SuspensionManager, accruals AccrualStore) *Engine {
	return &Engine{
		Ledger:      ledger,
		Periods:     periods,
		Policies:    policies,
		Suspensions: suspensions,
		Accruals:    accruals,
	}
}

// outcome classifies what processing one installment did.
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCreated
	outcomeUpdated
)

// Run executes one daily batch for the given day and returns the summary.
// A non-nil error means the run failed before per-installment processing
// began; per-installment failures are only counted.
func (e *Engine) Run(ctx context.Context, today Date) (BatchSummary, error) {
	var sum BatchSummary

	if _, err := e.Suspensions.Sweep(ctx, today); err != nil {
		return sum, fmt.Errorf("suspension sweep failed: %w", err)
	}

	if err := e.closePaid(ctx, today, &sum); err != nil {
		return sum, fmt.Errorf("paid close-out failed: %w", err)
	}

	outstanding, err := e.Ledger.ListOutstanding(ctx)
	if err != nil {
		return sum, fmt.Errorf("listing outstanding installments failed: %w", err)
	}

	cache := NewPolicyCache(e.Policies, today)
	for _, inst := range outstanding {
		out, err := e.processInstallment(ctx, cache, inst, today)
		if err != nil {
			log.Printf("[Engine] installment %s: %v", inst.ID, err)
			sum.Errors++
			continue
		}
		switch out {
		case outcomeCreated:
			sum.Created++
		case outcomeUpdated:
			sum.Updated++
		case outcomeSkipped:
			sum.Skipped++
		}
	}

	log.Printf("[Engine] Run %s: created=%d updated=%d closed=%d skipped=%d errors=%d",
		today, sum.Created, sum.Updated, sum.Closed, sum.Skipped, sum.Errors)
	return sum, nil
}

// closePaid transitions open pending records whose installment was paid.
// Dates and amounts are left untouched: the historical accrual snapshot is
// preserved, only the status changes.
func (e *Engine) closePaid(ctx context.Context, today Date, sum *BatchSummary) error {
	open, err := e.Accruals.ListOpenPending(ctx)
	if err != nil {
		return err
	}

	for _, rec := range open {
		inst, err := e.Ledger.GetInstallment(ctx, rec.InstallmentID)
		if err != nil {
			log.Printf("[Engine] close-out %s: %v", rec.InstallmentID, err)
			sum.Errors++
			continue
		}
		if inst == nil || inst.PaymentStatus != PaymentPaid {
			continue
		}

		rec.Status = AccrualPaid
		rec.Notes = appendNote(rec.Notes, fmt.Sprintf("closed %s: installment paid", today))
		if err := e.Accruals.UpdateAccrual(ctx, rec); err != nil {
			log.Printf("[Engine] close-out %s: %v", rec.InstallmentID, err)
			sum.Errors++
			continue
		}
		sum.Closed++
	}
	return nil
}

// processInstallment brings one installment's accrual state up to date.
// A skipped outcome is expected behavior (unresolved period, no or
// ambiguous policy, active suspension, policy not yet effective); an error
// is a real per-installment failure.
func (e *Engine) processInstallment(ctx context.Context, cache *PolicyCache, inst Installment, today Date) (outcome, error) {
	period, err := e.Periods.Resolve(ctx, inst.ID)
	if err != nil {
		return outcomeSkipped, err
	}
	if period == nil {
		log.Printf("[Engine] installment %s: period unresolved, skipping", inst.ID)
		return outcomeSkipped, nil
	}

	key := PolicyKey{
		PensumCode:        inst.PensumCode,
		InstallmentNumber: inst.InstallmentNumber,
		Semester:          period.Semester,
		Period:            period.Period,
	}
	policy, err := cache.Resolve(ctx, key)
	if err != nil {
		if IsLookupMiss(err) {
			log.Printf("[Engine] installment %s: %v, skipping", inst.ID, err)
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}

	active, err := e.Suspensions.FindActive(ctx, inst.ID, today)
	if err != nil {
		return outcomeSkipped, err
	}
	if active != nil {
		return outcomeSkipped, nil
	}

	if policy.EffectiveStart.After(today) {
		return outcomeSkipped, nil
	}

	// Post-suspension resumption: the most recently ended window, if any
	// accrual history predates it, gets its own fresh record starting the
	// day after it ended.
	ended, err := e.Suspensions.LastEnded(ctx, inst.ID, today)
	if err != nil {
		return outcomeSkipped, err
	}
	if ended != nil {
		out, handled, err := e.resumeAfter(ctx, inst, policy, *ended, today)
		if err != nil || handled {
			return out, err
		}
	}

	return e.accrue(ctx, inst, policy, today)
}

// resumeAfter handles the post-suspension case. Returns handled=false when
// no accrual history predates the window, in which case normal accrual
// applies.
func (e *Engine) resumeAfter(ctx context.Context, inst Installment, policy *AccrualPolicy, ended SuspensionWindow, today Date) (outcome, bool, error) {
	resume := ended.End.AddDays(1)

	// Guard: a record starting on or after the resumption day already
	// covers this window.
	post, err := e.Accruals.FindOpenPendingFrom(ctx, inst.ID, resume)
	if err != nil {
		return outcomeSkipped, true, err
	}
	if post != nil {
		post.Accrued = dailyTimesDays(policy.DailyPenalty, post.Start, today)
		if err := e.Accruals.UpdateAccrual(ctx, *post); err != nil {
			return outcomeSkipped, true, err
		}
		return outcomeUpdated, true, nil
	}

	// Same terminal rule as accrue: a waived or paid latest record means
	// the penalty was settled or written off after the window, so no
	// resumption record starts behind it.
	latest, err := e.Accruals.FindLatestAccrual(ctx, inst.ID)
	if err != nil {
		return outcomeSkipped, true, err
	}
	if latest != nil && latest.Status != AccrualPending {
		return outcomeSkipped, true, nil
	}

	pre, err := e.Accruals.FindPendingThrough(ctx, inst.ID, ended.End)
	if err != nil {
		return outcomeSkipped, true, err
	}
	if pre == nil {
		// Nothing accrued before the window: not a resumption.
		return outcomeSkipped, false, nil
	}

	rec := AccrualRecord{
		ID:            uuid.NewString(),
		InstallmentID: inst.ID,
		PolicyID:      policy.ID,
		Start:         resume,
		BaseDaily:     policy.DailyPenalty,
		Accrued:       dailyTimesDays(policy.DailyPenalty, resume, today),
		Discount:      decimal.Zero,
		Status:        AccrualPending,
		Notes:         fmt.Sprintf("resumed %s after suspension ended %s", resume, ended.End),
	}
	if err := e.Accruals.SaveAccrual(ctx, rec); err != nil {
		return outcomeSkipped, true, err
	}
	return outcomeCreated, true, nil
}

// accrue updates the installment's open record, or creates one from the
// policy's effective start. Frozen records (end date set) are never
// reopened here; the suspension paths own them. A waived or paid latest
// record is terminal: the penalty was settled or written off, so no fresh
// record starts behind it.
func (e *Engine) accrue(ctx context.Context, inst Installment, policy *AccrualPolicy, today Date) (outcome, error) {
	latest, err := e.Accruals.FindLatestAccrual(ctx, inst.ID)
	if err != nil {
		return outcomeSkipped, err
	}
	if latest != nil {
		if latest.Status != AccrualPending || latest.End != nil {
			return outcomeSkipped, nil
		}
		latest.Accrued = dailyTimesDays(policy.DailyPenalty, latest.Start, today)
		if err := e.Accruals.UpdateAccrual(ctx, *latest); err != nil {
			return outcomeSkipped, err
		}
		return outcomeUpdated, nil
	}

	rec := AccrualRecord{
		ID:            uuid.NewString(),
		InstallmentID: inst.ID,
		PolicyID:      policy.ID,
		Start:         policy.EffectiveStart,
		End:           policy.EffectiveEnd,
		BaseDaily:     policy.DailyPenalty,
		Accrued:       dailyTimesDays(policy.DailyPenalty, policy.EffectiveStart, today),
		Discount:      decimal.Zero,
		Status:        AccrualPending,
	}
	if err := e.Accruals.SaveAccrual(ctx, rec); err != nil {
		return outcomeSkipped, err
	}
	return outcomeCreated, nil
}

func dailyTimesDays(daily decimal.Decimal, from, to Date) decimal.Decimal {
	return daily.Mul(decimal.NewFromInt(int64(InclusiveDays(from, to))))
}
