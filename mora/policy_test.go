package mora_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edupay/mora-engine/mora"
)

func testKey(number int) mora.PolicyKey {
	return mora.PolicyKey{PensumCode: "P1", InstallmentNumber: number, Semester: "1", Period: "2025-1"}
}

func TestPolicyResolve_UniqueActiveMatch(t *testing.T) {
	store := newTestStore(t)
	s := mora.NewPolicyService(store)
	ctx := context.Background()

	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))

	p, err := s.Resolve(ctx, testKey(2), date(2025, time.March, 10))
	require.NoError(t, err)
	assert.True(t, p.DailyPenalty.Equal(mora.MustDecimal("5")))
}

func TestPolicyResolve_NoMatchIsLookupMiss(t *testing.T) {
	store := newTestStore(t)
	s := mora.NewPolicyService(store)

	_, err := s.Resolve(context.Background(), testKey(3), date(2025, time.March, 10))
	require.Error(t, err)
	assert.True(t, mora.IsLookupMiss(err))
}

func TestPolicyResolve_BeforeEffectiveStartIsAMiss(t *testing.T) {
	store := newTestStore(t)
	s := mora.NewPolicyService(store)

	seedPolicy(t, store, 2, "5", date(2025, time.June, 1))

	_, err := s.Resolve(context.Background(), testKey(2), date(2025, time.March, 10))
	require.Error(t, err)
	assert.True(t, mora.IsLookupMiss(err))
}

func TestPolicyResolve_AfterEffectiveEndIsAMiss(t *testing.T) {
	store := newTestStore(t)
	s := mora.NewPolicyService(store)
	ctx := context.Background()

	end := date(2025, time.March, 31)
	require.NoError(t, store.SavePolicy(ctx, mora.AccrualPolicy{
		Key:            testKey(2),
		DailyPenalty:   mora.MustDecimal("5"),
		EffectiveStart: date(2025, time.March, 1),
		EffectiveEnd:   &end,
		Active:         true,
	}))

	// Inside the window resolves
	_, err := s.Resolve(ctx, testKey(2), date(2025, time.March, 31))
	require.NoError(t, err)

	// Past the window misses
	_, err = s.Resolve(ctx, testKey(2), date(2025, time.April, 1))
	require.Error(t, err)
	assert.True(t, mora.IsLookupMiss(err))
}

func TestPolicyResolve_TwoActiveRowsIsAmbiguous(t *testing.T) {
	store := newTestStore(t)
	s := mora.NewPolicyService(store)
	ctx := context.Background()

	for _, daily := range []string{"5", "7"} {
		require.NoError(t, store.InsertPolicyRaw(ctx, mora.AccrualPolicy{
			Key:            testKey(2),
			DailyPenalty:   mora.MustDecimal(daily),
			EffectiveStart: date(2025, time.March, 1),
			Active:         true,
		}))
	}

	_, err := s.Resolve(ctx, testKey(2), date(2025, time.March, 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, mora.ErrPolicyAmbiguous)
	assert.True(t, mora.IsLookupMiss(err))
}

func TestPolicyCreate_SupersedesPriorActivePolicy(t *testing.T) {
	// Creating a new active policy for the same key deactivates the old one
	// in the same transaction, so resolution stays unique.

	store := newTestStore(t)
	s := mora.NewPolicyService(store)
	ctx := context.Background()

	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))
	require.NoError(t, s.Create(ctx, mora.AccrualPolicy{
		Key:            testKey(2),
		DailyPenalty:   mora.MustDecimal("8"),
		EffectiveStart: date(2025, time.March, 1),
		Active:         true,
	}))

	p, err := s.Resolve(ctx, testKey(2), date(2025, time.March, 10))
	require.NoError(t, err)
	assert.True(t, p.DailyPenalty.Equal(mora.MustDecimal("8")))
}

func TestPolicyCreate_Validation(t *testing.T) {
	store := newTestStore(t)
	s := mora.NewPolicyService(store)
	ctx := context.Background()

	err := s.Create(ctx, mora.AccrualPolicy{
		Key:            testKey(1),
		DailyPenalty:   mora.MustDecimal("-1"),
		EffectiveStart: date(2025, time.March, 1),
		Active:         true,
	})
	assert.True(t, mora.IsValidation(err), "negative penalty: %v", err)

	end := date(2025, time.February, 1)
	err = s.Create(ctx, mora.AccrualPolicy{
		Key:            testKey(1),
		DailyPenalty:   mora.MustDecimal("5"),
		EffectiveStart: date(2025, time.March, 1),
		EffectiveEnd:   &end,
		Active:         true,
	})
	assert.True(t, mora.IsValidation(err), "end before start: %v", err)
}

func TestPolicyCache_MemoizesMissesForTheRun(t *testing.T) {
	store := newTestStore(t)
	s := mora.NewPolicyService(store)
	ctx := context.Background()

	cache := mora.NewPolicyCache(s, date(2025, time.March, 10))

	_, err := cache.Resolve(ctx, testKey(2))
	require.Error(t, err)

	// A policy created mid-run is not picked up until the next run
	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))
	_, err = cache.Resolve(ctx, testKey(2))
	require.Error(t, err, "misses are cached for the run")

	fresh := mora.NewPolicyCache(s, date(2025, time.March, 10))
	p, err := fresh.Resolve(ctx, testKey(2))
	require.NoError(t, err)
	assert.True(t, p.DailyPenalty.Equal(mora.MustDecimal("5")))
}
