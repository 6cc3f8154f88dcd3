package mora_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edupay/mora-engine/mora"
	"github.com/edupay/mora-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(store *sqlite.Store) *mora.Engine {
	policies := mora.NewPolicyService(store)
	suspensions := mora.NewSuspensionManager(store, store)
	return mora.NewEngine(store, store, policies, suspensions, store)
}

func date(year int, month time.Month, day int) mora.Date {
	return mora.NewDate(year, month, day)
}

func seedInstallment(t *testing.T, store *sqlite.Store, id string, number int, status mora.PaymentStatus) {
	t.Helper()
	inst := mora.Installment{
		ID:                id,
		StudentID:         "student-1",
		PensumCode:        "P1",
		InstallmentNumber: number,
		PaymentStatus:     status,
	}
	period := &mora.InstallmentPeriod{Semester: "1", Period: "2025-1"}
	if err := store.SaveInstallment(context.Background(), inst, period); err != nil {
		t.Fatalf("Failed to seed installment %s: %v", id, err)
	}
}

func seedPolicy(t *testing.T, store *sqlite.Store, number int, daily string, start mora.Date) mora.AccrualPolicy {
	t.Helper()
	p := mora.AccrualPolicy{
		ID: "policy-" + daily,
		Key: mora.PolicyKey{
			PensumCode:        "P1",
			InstallmentNumber: number,
			Semester:          "1",
			Period:            "2025-1",
		},
		DailyPenalty:   mora.MustDecimal(daily),
		EffectiveStart: start,
		Active:         true,
	}
	if err := store.SavePolicy(context.Background(), p); err != nil {
		t.Fatalf("Failed to seed policy: %v", err)
	}
	return p
}

func onlyAccrual(t *testing.T, store *sqlite.Store, installmentID string) mora.AccrualRecord {
	t.Helper()
	records, err := store.ListAccrualsByInstallment(context.Background(), installmentID)
	if err != nil {
		t.Fatalf("Failed to list accrual records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected exactly one accrual record, got %d", len(records))
	}
	return records[0]
}

// =============================================================================
// BASIC ACCRUAL
// =============================================================================

func TestRun_CreatesRecordWithInclusiveDayCount(t *testing.T) {
	// GIVEN: Policy effective 2025-03-01, daily penalty 5
	// WHEN: Engine runs on 2025-03-10 against one pending installment
	// THEN: One record, start=2025-03-01, accrued=5*10=50 (inclusive count)

	store := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(store)

	seedInstallment(t, store, "inst-1", 2, mora.PaymentPending)
	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))

	sum, err := engine.Run(ctx, date(2025, time.March, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 0, sum.Errors)

	rec := onlyAccrual(t, store, "inst-1")
	assert.Equal(t, "2025-03-01", rec.Start.String())
	assert.Nil(t, rec.End)
	assert.True(t, rec.Accrued.Equal(mora.MustDecimal("50")),
		"expected accrued 50, got %s", rec.Accrued)
	assert.Equal(t, mora.AccrualPending, rec.Status)
}

func TestRun_SingleDayAccruesOneDay(t *testing.T) {
	// GIVEN: Policy effective today
	// WHEN: Engine runs on that same day
	// THEN: One day accrued, not zero

	store := newTestStore(t)
	engine := newTestEngine(store)

	seedInstallment(t, store, "inst-1", 1, mora.PaymentPending)
	seedPolicy(t, store, 1, "3.50", date(2025, time.March, 10))

	_, err := engine.Run(context.Background(), date(2025, time.March, 10))
	require.NoError(t, err)

	rec := onlyAccrual(t, store, "inst-1")
	assert.True(t, rec.Accrued.Equal(mora.MustDecimal("3.50")),
		"expected accrued 3.50, got %s", rec.Accrued)
}

func TestRun_IsIdempotentForSameDay(t *testing.T) {
	// GIVEN: A run already happened today
	// WHEN: The engine runs again with the same today
	// THEN: The same record is updated in place, amount unchanged

	store := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(store)

	seedInstallment(t, store, "inst-1", 2, mora.PaymentPending)
	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))

	today := date(2025, time.March, 10)
	sum1, err := engine.Run(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 1, sum1.Created)

	sum2, err := engine.Run(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 0, sum2.Created)
	assert.Equal(t, 1, sum2.Updated)

	rec := onlyAccrual(t, store, "inst-1")
	assert.True(t, rec.Accrued.Equal(mora.MustDecimal("50")))
}

func TestRun_UpdatesAccruedOnLaterDay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(store)

	seedInstallment(t, store, "inst-1", 2, mora.PaymentPending)
	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))

	_, err := engine.Run(ctx, date(2025, time.March, 10))
	require.NoError(t, err)

	sum, err := engine.Run(ctx, date(2025, time.March, 12))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)

	rec := onlyAccrual(t, store, "inst-1")
	assert.True(t, rec.Accrued.Equal(mora.MustDecimal("60")),
		"expected accrued 60 after 12 days, got %s", rec.Accrued)
}

// =============================================================================
// SKIP CONDITIONS
// =============================================================================

func TestRun_SkipsWhenPolicyNotYetEffective(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(store)

	seedInstallment(t, store, "inst-1", 1, mora.PaymentPending)
	seedPolicy(t, store, 1, "5", date(2025, time.June, 1))

	sum, err := engine.Run(context.Background(), date(2025, time.March, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Created)
	assert.Equal(t, 0, sum.Errors)
}

func TestRun_SkipsWhenNoPolicyMatches(t *testing.T) {
	// A missing policy is a data condition, not an error: the installment
	// is skipped and the batch continues.

	store := newTestStore(t)
	engine := newTestEngine(store)

	seedInstallment(t, store, "inst-1", 4, mora.PaymentPending)

	sum, err := engine.Run(context.Background(), date(2025, time.March, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Errors)
}

func TestRun_SkipsOnAmbiguousPolicies(t *testing.T) {
	// GIVEN: Two simultaneously active policies for the same key (a data
	//        anomaly the store deliberately does not prevent)
	// WHEN: The engine runs
	// THEN: The installment is skipped instead of accruing against an
	//       arbitrary row

	store := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(store)

	seedInstallment(t, store, "inst-1", 2, mora.PaymentPending)

	key := mora.PolicyKey{PensumCode: "P1", InstallmentNumber: 2, Semester: "1", Period: "2025-1"}
	for _, daily := range []string{"5", "7"} {
		err := store.InsertPolicyRaw(ctx, mora.AccrualPolicy{
			Key:            key,
			DailyPenalty:   mora.MustDecimal(daily),
			EffectiveStart: date(2025, time.March, 1),
			Active:         true,
		})
		require.NoError(t, err)
	}

	sum, err := engine.Run(ctx, date(2025, time.March, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Created)

	records, err := store.ListAccrualsByInstallment(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRun_SkipsWhenPeriodUnresolved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(store)

	// Installment without semester/period scoping
	inst := mora.Installment{
		ID:                "inst-1",
		StudentID:         "student-1",
		PensumCode:        "P1",
		InstallmentNumber: 1,
		PaymentStatus:     mora.PaymentPending,
	}
	require.NoError(t, store.SaveInstallment(ctx, inst, nil))
	seedPolicy(t, store, 1, "5", date(2025, time.March, 1))

	sum, err := engine.Run(ctx, date(2025, time.March, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Created)
}

// =============================================================================
// PAID CLOSE-OUT
// =============================================================================

func TestRun_ClosesRecordWhenInstallmentPaid(t *testing.T) {
	// GIVEN: An open record at accrued=50 (10 days of 5), payment posts
	// WHEN: The engine runs days later
	// THEN: status=PAID, accrued stays exactly 50, dates untouched

	store := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(store)

	seedInstallment(t, store, "inst-1", 2, mora.PaymentPending)
	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))

	_, err := engine.Run(ctx, date(2025, time.March, 10))
	require.NoError(t, err)

	require.NoError(t, store.MarkPaid(ctx, "inst-1"))

	sum, err := engine.Run(ctx, date(2025, time.March, 15))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Closed)
	assert.Equal(t, 0, sum.Updated)

	rec := onlyAccrual(t, store, "inst-1")
	assert.Equal(t, mora.AccrualPaid, rec.Status)
	assert.True(t, rec.Accrued.Equal(mora.MustDecimal("50")),
		"accrued must stay at the last value before payment, got %s", rec.Accrued)
	assert.Nil(t, rec.End, "close-out must not touch dates")
}

func TestRun_ClosedRecordStaysClosed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(store)

	seedInstallment(t, store, "inst-1", 2, mora.PaymentPending)
	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))

	_, err := engine.Run(ctx, date(2025, time.March, 10))
	require.NoError(t, err)
	require.NoError(t, store.MarkPaid(ctx, "inst-1"))
	_, err = engine.Run(ctx, date(2025, time.March, 15))
	require.NoError(t, err)

	sum, err := engine.Run(ctx, date(2025, time.March, 20))
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Closed)
	assert.Equal(t, 0, sum.Errors)

	rec := onlyAccrual(t, store, "inst-1")
	assert.Equal(t, mora.AccrualPaid, rec.Status)
	assert.True(t, rec.Accrued.Equal(mora.MustDecimal("50")))
}

// =============================================================================
// SUSPENSIONS IN THE BATCH
// =============================================================================

func TestRun_SkipsDuringActiveSuspension(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(store)
	suspensions := mora.NewSuspensionManager(store, store)

	seedInstallment(t, store, "inst-1", 2, mora.PaymentPending)
	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))

	_, err := engine.Run(ctx, date(2025, time.March, 5))
	require.NoError(t, err)

	// Prorroga covering 03-06 .. 03-10
	_, err = suspensions.Create(ctx, "inst-1",
		date(2025, time.March, 6), date(2025, time.March, 10),
		"payment plan", date(2025, time.March, 5))
	require.NoError(t, err)

	sum, err := engine.Run(ctx, date(2025, time.March, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)

	// Frozen record untouched by the suspended-day run
	rec := onlyAccrual(t, store, "inst-1")
	require.NotNil(t, rec.End)
	assert.Equal(t, "2025-03-05", rec.End.String())
	assert.True(t, rec.Accrued.Equal(mora.MustDecimal("25")),
		"frozen at 5 days of 5, got %s", rec.Accrued)
	assert.Equal(t, mora.AccrualPending, rec.Status)
}

func TestRun_ResumesWithFreshRecordAfterSuspension(t *testing.T) {
	// GIVEN: Accrual frozen by a prorroga that has since ended
	// WHEN: The engine runs after the window
	// THEN: A fresh record starts the day after the window end; the frozen
	//       record keeps its snapshot

	store := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(store)
	suspensions := mora.NewSuspensionManager(store, store)

	seedInstallment(t, store, "inst-1", 2, mora.PaymentPending)
	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))

	_, err := engine.Run(ctx, date(2025, time.March, 5))
	require.NoError(t, err)

	_, err = suspensions.Create(ctx, "inst-1",
		date(2025, time.March, 6), date(2025, time.March, 10),
		"payment plan", date(2025, time.March, 5))
	require.NoError(t, err)

	sum, err := engine.Run(ctx, date(2025, time.March, 12))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)

	records, err := store.ListAccrualsByInstallment(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	frozen, fresh := records[0], records[1]
	assert.Equal(t, "2025-03-01", frozen.Start.String())
	require.NotNil(t, frozen.End)
	assert.Equal(t, "2025-03-05", frozen.End.String())
	assert.True(t, frozen.Accrued.Equal(mora.MustDecimal("25")))

	assert.Equal(t, "2025-03-11", fresh.Start.String())
	assert.Nil(t, fresh.End)
	// 03-11 and 03-12 inclusive
	assert.True(t, fresh.Accrued.Equal(mora.MustDecimal("10")),
		"expected 2 days of 5, got %s", fresh.Accrued)

	// Expired window was swept
	windows, err := store.ListSuspensionsByInstallment(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.False(t, windows[0].Active)
}

func TestRun_UpdatesPostSuspensionRecordOnLaterDays(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(store)
	suspensions := mora.NewSuspensionManager(store, store)

	seedInstallment(t, store, "inst-1", 2, mora.PaymentPending)
	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))

	_, err := engine.Run(ctx, date(2025, time.March, 5))
	require.NoError(t, err)
	_, err = suspensions.Create(ctx, "inst-1",
		date(2025, time.March, 6), date(2025, time.March, 10),
		"payment plan", date(2025, time.March, 5))
	require.NoError(t, err)
	_, err = engine.Run(ctx, date(2025, time.March, 12))
	require.NoError(t, err)

	sum, err := engine.Run(ctx, date(2025, time.March, 14))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated, "later runs update the fresh record, not create another")

	records, err := store.ListAccrualsByInstallment(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	// 03-11 .. 03-14 inclusive = 4 days
	assert.True(t, records[1].Accrued.Equal(mora.MustDecimal("20")),
		"expected 4 days of 5, got %s", records[1].Accrued)
}

func TestRun_SuspensionBeforeAnyAccrualIsNotAResumption(t *testing.T) {
	// GIVEN: A prorroga that ended, but no accrual history predates it
	// WHEN: The engine runs
	// THEN: Normal accrual from the policy's effective start

	store := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(store)

	seedInstallment(t, store, "inst-1", 2, mora.PaymentPending)
	seedPolicy(t, store, 2, "5", date(2025, time.March, 11))

	// Window ended 03-10, created directly (no record existed to freeze)
	require.NoError(t, store.SaveSuspension(ctx, mora.SuspensionWindow{
		ID:            "win-1",
		InstallmentID: "inst-1",
		Start:         date(2025, time.March, 1),
		End:           date(2025, time.March, 10),
		Active:        true,
	}))

	sum, err := engine.Run(ctx, date(2025, time.March, 12))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)

	rec := onlyAccrual(t, store, "inst-1")
	assert.Equal(t, "2025-03-11", rec.Start.String())
	assert.True(t, rec.Accrued.Equal(mora.MustDecimal("10")))
}

// =============================================================================
// END-TO-END SCENARIO
// =============================================================================

func TestRun_EndToEndMarchScenario(t *testing.T) {
	// Pensum P1, installment #2, semester 1, period 2025-1, daily penalty 5
	// effective 2025-03-01. Accrue through 03-10 (50), payment posts 03-12,
	// run on 03-15 closes at exactly 50.

	store := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(store)

	seedInstallment(t, store, "cuota-2", 2, mora.PaymentPending)
	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))

	sum, err := engine.Run(ctx, date(2025, time.March, 10))
	require.NoError(t, err)
	require.Equal(t, 1, sum.Created)

	rec := onlyAccrual(t, store, "cuota-2")
	require.True(t, rec.Accrued.Equal(mora.MustDecimal("50")))

	// Payment posts on 03-12; next run is 03-15
	require.NoError(t, store.MarkPaid(ctx, "cuota-2"))

	sum, err = engine.Run(ctx, date(2025, time.March, 15))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Closed)

	rec = onlyAccrual(t, store, "cuota-2")
	assert.Equal(t, mora.AccrualPaid, rec.Status)
	assert.True(t, rec.Accrued.Equal(mora.MustDecimal("50")),
		"close must happen before any recomputation, got %s", rec.Accrued)
}

// =============================================================================
// BATCH ISOLATION
// =============================================================================

func TestRun_OneBadInstallmentDoesNotAbortTheBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := newTestEngine(store)

	// inst-ok accrues normally; inst-nopolicy is skipped
	seedInstallment(t, store, "inst-ok", 2, mora.PaymentPending)
	seedInstallment(t, store, "inst-nopolicy", 5, mora.PaymentPending)
	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))

	sum, err := engine.Run(ctx, date(2025, time.March, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Errors)

	rec := onlyAccrual(t, store, "inst-ok")
	assert.True(t, rec.Accrued.Equal(mora.MustDecimal("50")))
}

func TestRun_PartialPaymentStillAccrues(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(store)

	seedInstallment(t, store, "inst-1", 2, mora.PaymentPartial)
	seedPolicy(t, store, 2, "5", date(2025, time.March, 1))

	sum, err := engine.Run(context.Background(), date(2025, time.March, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)
}
