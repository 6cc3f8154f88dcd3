/*
policy.go - Accrual policy resolution

PURPOSE:
  Resolves the unique active AccrualPolicy for a key tuple on a given day.
  Resolution is deliberately conservative: zero matches and multiple matches
  both resolve to "not found", so a data-entry anomaly (two simultaneously
  active policies) makes the engine skip the installment for the day instead
  of accruing against an arbitrary row.

CACHING:
  The daily batch resolves the same key tuple for many installments. The
  engine builds a PolicyCache per run; entries (hits and misses alike) are
  valid for the run's single "today" and are discarded with the cache.

SEE ALSO:
  - engine.go: builds one PolicyCache per run
  - store/sqlite/sqlite.go: FindActive query
*/
package mora

import (
	"context"
	"fmt"
)

// =============================================================================
// POLICY SERVICE
// =============================================================================

// PolicyService resolves and creates accrual policies.
type PolicyService struct {
	Store PolicyStore
}

func NewPolicyService(store PolicyStore) *PolicyService {
	return &PolicyService{Store: store}
}

// Resolve returns the unique active policy for the key covering asOf.
// Returns ErrPolicyNotFound on zero matches and ErrPolicyAmbiguous on more
// than one; both count as lookup misses to the engine.
func (s *PolicyService) Resolve(ctx context.Context, key PolicyKey, asOf Date) (*AccrualPolicy, error) {
	matches, err := s.Store.FindActivePolicies(ctx, key, asOf)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: pensum=%s installment=%d semester=%s period=%s",
			ErrPolicyNotFound, key.PensumCode, key.InstallmentNumber, key.Semester, key.Period)
	case 1:
		p := matches[0]
		return &p, nil
	default:
		return nil, fmt.Errorf("%w: pensum=%s installment=%d semester=%s period=%s (%d rows)",
			ErrPolicyAmbiguous, key.PensumCode, key.InstallmentNumber, key.Semester, key.Period, len(matches))
	}
}

// Create validates and persists a new policy. The store deactivates prior
// active rows for the same key in the same transaction.
func (s *PolicyService) Create(ctx context.Context, p AccrualPolicy) error {
	if p.DailyPenalty.IsNegative() {
		return &ValidationError{Field: "daily_penalty_amount", Message: "must not be negative"}
	}
	if p.EffectiveStart.IsZero() {
		return &ValidationError{Field: "effective_start_date", Message: "required"}
	}
	if p.EffectiveEnd != nil && !p.EffectiveEnd.After(p.EffectiveStart) {
		return &ValidationError{Field: "effective_end_date", Message: "must be after effective_start_date"}
	}
	return s.Store.SavePolicy(ctx, p)
}

// =============================================================================
// PER-RUN POLICY CACHE
// =============================================================================

// PolicyCache memoizes Resolve results for one engine run. Both hits and
// misses are cached; a miss for a key stays a miss for the whole run.
type PolicyCache struct {
	service *PolicyService
	asOf    Date
	entries map[PolicyKey]policyCacheEntry
}

type policyCacheEntry struct {
	policy *AccrualPolicy
	err    error
}

func NewPolicyCache(service *PolicyService, asOf Date) *PolicyCache {
	return &PolicyCache{
		service: service,
		asOf:    asOf,
		entries: make(map[PolicyKey]policyCacheEntry),
	}
}

// Resolve returns the cached result for the key, populating lazily.
func (c *PolicyCache) Resolve(ctx context.Context, key PolicyKey) (*AccrualPolicy, error) {
	if e, ok := c.entries[key]; ok {
		return e.policy, e.err
	}
	p, err := c.service.Resolve(ctx, key, c.asOf)
	if err != nil && !IsLookupMiss(err) {
		// Transient store failures are not memoized.
		return nil, err
	}
	c.entries[key] = policyCacheEntry{policy: p, err: err}
	return p, err
}
