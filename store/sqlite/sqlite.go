/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements every persistence interface the accrual engine and the staff
  API depend on (InstallmentLedger, PeriodResolver, PolicyStore,
  SuspensionStore, AccrualStore, DiscountStore, RunStore) using SQLite.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

KEY TABLES:
  installments:       tuition installments with their academic scoping
  accrual_policies:   per (pensum, installment, semester, period) penalties
  suspension_windows: prorroga windows
  accrual_records:    accrued penalty per installment
  discount_records:   discretionary reductions
  accrual_runs:       one row per engine invocation

INVARIANTS ENFORCED BY PARTIAL UNIQUE INDEXES:
  - one active suspension window per installment
  - one open pending accrual record per installment
  - one active discount per accrual record
  Unique-constraint violations are mapped to the domain's conflict errors.

  Deliberately NOT enforced: active-policy uniqueness per key tuple. The
  engine must survive a two-active-policies data anomaly by skipping the
  installment, so the anomaly has to be representable.

CONCURRENCY:
  sync.RWMutex for thread safety, WAL mode for readers-don't-block-writer.

USAGE:
  store, err := sqlite.New("./data/mora.db")   // ":memory:" for tests

SEE ALSO:
  - mora/store.go: interface definitions and contracts
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/edupay/mora-engine/mora"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Installments (the billing ledger's view, plus academic scoping)
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		pensum_code TEXT NOT NULL,
		installment_number INTEGER NOT NULL,
		semester TEXT,
		period TEXT,
		payment_status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_installments_status
		ON installments(payment_status);
	CREATE INDEX IF NOT EXISTS idx_installments_student
		ON installments(student_id);

	-- Accrual policies
	-- No uniqueness on (key, active): the engine must be able to observe
	-- a two-active-rows anomaly and skip conservatively.
	CREATE TABLE IF NOT EXISTS accrual_policies (
		id TEXT PRIMARY KEY,
		pensum_code TEXT NOT NULL,
		installment_number INTEGER NOT NULL,
		semester TEXT NOT NULL,
		period TEXT NOT NULL,
		daily_penalty TEXT NOT NULL,
		effective_start TEXT NOT NULL,
		effective_end TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_policies_key
		ON accrual_policies(pensum_code, installment_number, semester, period);

	-- Suspension windows (prorrogas)
	CREATE TABLE IF NOT EXISTS suspension_windows (
		id TEXT PRIMARY KEY,
		installment_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_suspensions_installment
		ON suspension_windows(installment_id, end_date);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_active_suspension
		ON suspension_windows(installment_id)
		WHERE active = TRUE;

	-- Accrual records
	CREATE TABLE IF NOT EXISTS accrual_records (
		id TEXT PRIMARY KEY,
		installment_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		accrual_start TEXT NOT NULL,
		accrual_end TEXT,
		base_daily TEXT NOT NULL,
		accrued TEXT NOT NULL,
		discount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'pending',
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accruals_installment
		ON accrual_records(installment_id, accrual_start);
	CREATE INDEX IF NOT EXISTS idx_accruals_status
		ON accrual_records(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_open_accrual
		ON accrual_records(installment_id)
		WHERE status = 'pending' AND accrual_end IS NULL;

	-- Discount records
	CREATE TABLE IF NOT EXISTS discount_records (
		id TEXT PRIMARY KEY,
		accrual_record_id TEXT NOT NULL,
		is_percentage BOOLEAN NOT NULL DEFAULT FALSE,
		amount TEXT NOT NULL,
		reason TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_discounts_accrual
		ON discount_records(accrual_record_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_active_discount
		ON discount_records(accrual_record_id)
		WHERE active = TRUE;

	-- Engine runs
	CREATE TABLE IF NOT EXISTS accrual_runs (
		id TEXT PRIMARY KEY,
		run_date TEXT NOT NULL,
		trigger_source TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		created_count INTEGER DEFAULT 0,
		updated_count INTEGER DEFAULT 0,
		closed_count INTEGER DEFAULT 0,
		skipped_count INTEGER DEFAULT 0,
		error_count INTEGER DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_date
		ON accrual_runs(run_date, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// INSTALLMENT LEDGER (mora.InstallmentLedger, mora.PeriodResolver)
// =============================================================================

// SaveInstallment inserts or updates an installment (seed/admin path).
func (s *Store) SaveInstallment(ctx context.Context, inst mora.Installment, period *mora.InstallmentPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var semester, term sql.NullString
	if period != nil {
		semester = nullString(period.Semester)
		term = nullString(period.Period)
	}

	query := `
		INSERT INTO installments (id, student_id, pensum_code, installment_number, semester, period, payment_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			student_id = excluded.student_id,
			pensum_code = excluded.pensum_code,
			installment_number = excluded.installment_number,
			semester = excluded.semester,
			period = excluded.period,
			payment_status = excluded.payment_status
	`
	_, err := s.db.ExecContext(ctx, query,
		inst.ID, inst.StudentID, inst.PensumCode, inst.InstallmentNumber,
		semester, term, inst.PaymentStatus,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// ListOutstanding returns installments in pending or partial status.
func (s *Store) ListOutstanding(ctx context.Context) ([]mora.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, student_id, pensum_code, installment_number, payment_status
		FROM installments
		WHERE payment_status IN ('pending', 'partial')
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	return scanInstallments(rows)
}

// GetInstallment returns an installment by ID, or nil.
func (s *Store) GetInstallment(ctx context.Context, id string) (*mora.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var inst mora.Installment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, student_id, pensum_code, installment_number, payment_status
		FROM installments WHERE id = ?
	`, id).Scan(&inst.ID, &inst.StudentID, &inst.PensumCode, &inst.InstallmentNumber, &inst.PaymentStatus)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// MarkPaid flips an installment to paid.
func (s *Store) MarkPaid(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE installments SET payment_status = 'paid' WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mora.ErrInstallmentNotFound
	}
	return nil
}

// Resolve returns the semester/period scoping of an installment, or nil
// when either field is missing.
func (s *Store) Resolve(ctx context.Context, installmentID string) (*mora.InstallmentPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var semester, period sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT semester, period FROM installments WHERE id = ?", installmentID,
	).Scan(&semester, &period)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !semester.Valid || !period.Valid || semester.String == "" || period.String == "" {
		return nil, nil
	}
	return &mora.InstallmentPeriod{Semester: semester.String, Period: period.String}, nil
}

// ListInstallments returns every installment.
func (s *Store) ListInstallments(ctx context.Context) ([]mora.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, student_id, pensum_code, installment_number, payment_status
		FROM installments ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInstallments(rows)
}

func scanInstallments(rows *sql.Rows) ([]mora.Installment, error) {
	var out []mora.Installment
	for rows.Next() {
		var inst mora.Installment
		if err := rows.Scan(&inst.ID, &inst.StudentID, &inst.PensumCode, &inst.InstallmentNumber, &inst.PaymentStatus); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// =============================================================================
// POLICY STORE (mora.PolicyStore)
// =============================================================================

// SavePolicy inserts a policy, deactivating prior active rows for the same
// key tuple in the same transaction.
func (s *Store) SavePolicy(ctx context.Context, p mora.AccrualPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if p.Active {
		_, err = tx.ExecContext(ctx, `
			UPDATE accrual_policies SET active = FALSE
			WHERE pensum_code = ? AND installment_number = ? AND semester = ? AND period = ? AND active = TRUE
		`, p.Key.PensumCode, p.Key.InstallmentNumber, p.Key.Semester, p.Key.Period)
		if err != nil {
			return err
		}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO accrual_policies
		(id, pensum_code, installment_number, semester, period, daily_penalty, effective_start, effective_end, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Key.PensumCode, p.Key.InstallmentNumber, p.Key.Semester, p.Key.Period,
		p.DailyPenalty.String(), dateString(p.EffectiveStart), nullDate(p.EffectiveEnd),
		p.Active, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return tx.Commit()
}

// InsertPolicyRaw inserts a policy row without touching siblings. Exists so
// tests can stage the two-active-policies anomaly the engine must survive.
func (s *Store) InsertPolicyRaw(ctx context.Context, p mora.AccrualPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accrual_policies
		(id, pensum_code, installment_number, semester, period, daily_penalty, effective_start, effective_end, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Key.PensumCode, p.Key.InstallmentNumber, p.Key.Semester, p.Key.Period,
		p.DailyPenalty.String(), dateString(p.EffectiveStart), nullDate(p.EffectiveEnd),
		p.Active, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// FindActivePolicies returns every active policy for the key covering asOf.
func (s *Store) FindActivePolicies(ctx context.Context, key mora.PolicyKey, asOf mora.Date) ([]mora.AccrualPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pensum_code, installment_number, semester, period, daily_penalty, effective_start, effective_end, active
		FROM accrual_policies
		WHERE pensum_code = ? AND installment_number = ? AND semester = ? AND period = ?
		  AND active = TRUE
		  AND effective_start <= ?
		  AND (effective_end IS NULL OR effective_end >= ?)
		ORDER BY effective_start DESC
	`, key.PensumCode, key.InstallmentNumber, key.Semester, key.Period,
		dateString(asOf), dateString(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	return scanPolicies(rows)
}

// GetPolicy returns a policy by ID, or nil.
func (s *Store) GetPolicy(ctx context.Context, id string) (*mora.AccrualPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pensum_code, installment_number, semester, period, daily_penalty, effective_start, effective_end, active
		FROM accrual_policies WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	policies, err := scanPolicies(rows)
	if err != nil || len(policies) == 0 {
		return nil, err
	}
	return &policies[0], nil
}

// ListPolicies returns all policies.
func (s *Store) ListPolicies(ctx context.Context) ([]mora.AccrualPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pensum_code, installment_number, semester, period, daily_penalty, effective_start, effective_end, active
		FROM accrual_policies
		ORDER BY pensum_code, installment_number, effective_start
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPolicies(rows)
}

func scanPolicies(rows *sql.Rows) ([]mora.AccrualPolicy, error) {
	var out []mora.AccrualPolicy
	for rows.Next() {
		var (
			p     mora.AccrualPolicy
			daily string
			start string
			end   sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Key.PensumCode, &p.Key.InstallmentNumber, &p.Key.Semester, &p.Key.Period,
			&daily, &start, &end, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		p.DailyPenalty = mora.MustDecimal(daily)
		p.EffectiveStart = parseDate(start)
		p.EffectiveEnd = parseNullDate(end)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// SUSPENSION STORE (mora.SuspensionStore)
// =============================================================================

const suspensionColumns = "id, installment_id, start_date, end_date, active, reason"

// SaveSuspension inserts a window. A partial unique index rejects a second
// active window per installment.
func (s *Store) SaveSuspension(ctx context.Context, w mora.SuspensionWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suspension_windows (id, installment_id, start_date, end_date, active, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.InstallmentID, dateString(w.Start), dateString(w.End), w.Active, nullString(w.Reason),
		time.Now().UTC().Format(time.RFC3339))

	if err != nil {
		if isUniqueConstraintError(err) {
			return mora.ErrSuspensionConflict
		}
		return fmt.Errorf("failed to insert suspension window: %w", err)
	}
	return nil
}

// UpdateSuspension rewrites an existing window.
func (s *Store) UpdateSuspension(ctx context.Context, w mora.SuspensionWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE suspension_windows
		SET start_date = ?, end_date = ?, active = ?, reason = ?
		WHERE id = ?
	`, dateString(w.Start), dateString(w.End), w.Active, nullString(w.Reason), w.ID)
	if err != nil {
		if isUniqueConstraintError(err) {
			return mora.ErrSuspensionConflict
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mora.ErrSuspensionNotFound
	}
	return nil
}

// GetSuspension returns a window by ID, or nil.
func (s *Store) GetSuspension(ctx context.Context, id string) (*mora.SuspensionWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+suspensionColumns+" FROM suspension_windows WHERE id = ?", id)
	return scanSuspension(row)
}

// FindActiveSuspension returns the active window covering the given day, or nil.
func (s *Store) FindActiveSuspension(ctx context.Context, installmentID string, day mora.Date) (*mora.SuspensionWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+suspensionColumns+` FROM suspension_windows
		WHERE installment_id = ? AND active = TRUE AND start_date <= ? AND end_date >= ?
	`, installmentID, dateString(day), dateString(day))
	return scanSuspension(row)
}

// FindActiveAnySuspension returns the installment's active window, or nil.
func (s *Store) FindActiveAnySuspension(ctx context.Context, installmentID string) (*mora.SuspensionWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+suspensionColumns+` FROM suspension_windows
		WHERE installment_id = ? AND active = TRUE
	`, installmentID)
	return scanSuspension(row)
}

// LastEndedSuspension returns the most recently ended window before the
// given day, active or not.
func (s *Store) LastEndedSuspension(ctx context.Context, installmentID string, before mora.Date) (*mora.SuspensionWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+suspensionColumns+` FROM suspension_windows
		WHERE installment_id = ? AND end_date < ?
		ORDER BY end_date DESC
		LIMIT 1
	`, installmentID, dateString(before))
	return scanSuspension(row)
}

// DeactivateEnded sweeps windows whose end passed.
func (s *Store) DeactivateEnded(ctx context.Context, before mora.Date) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE suspension_windows SET active = FALSE
		WHERE active = TRUE AND end_date < ?
	`, dateString(before))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep suspensions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListSuspensionsByInstallment returns all windows for an installment.
func (s *Store) ListSuspensionsByInstallment(ctx context.Context, installmentID string) ([]mora.SuspensionWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+suspensionColumns+` FROM suspension_windows
		WHERE installment_id = ?
		ORDER BY start_date
	`, installmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mora.SuspensionWindow
	for rows.Next() {
		var (
			w      mora.SuspensionWindow
			start  string
			end    string
			reason sql.NullString
		)
		if err := rows.Scan(&w.ID, &w.InstallmentID, &start, &end, &w.Active, &reason); err != nil {
			return nil, err
		}
		w.Start = parseDate(start)
		w.End = parseDate(end)
		w.Reason = reason.String
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListSuspensions returns every suspension window, newest first.
func (s *Store) ListSuspensions(ctx context.Context) ([]mora.SuspensionWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+suspensionColumns+` FROM suspension_windows
		ORDER BY start_date DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mora.SuspensionWindow
	for rows.Next() {
		var (
			w      mora.SuspensionWindow
			start  string
			end    string
			reason sql.NullString
		)
		if err := rows.Scan(&w.ID, &w.InstallmentID, &start, &end, &w.Active, &reason); err != nil {
			return nil, err
		}
		w.Start = parseDate(start)
		w.End = parseDate(end)
		w.Reason = reason.String
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanSuspension(row *sql.Row) (*mora.SuspensionWindow, error) {
	var (
		w      mora.SuspensionWindow
		start  string
		end    string
		reason sql.NullString
	)
	err := row.Scan(&w.ID, &w.InstallmentID, &start, &end, &w.Active, &reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan suspension window: %w", err)
	}
	w.Start = parseDate(start)
	w.End = parseDate(end)
	w.Reason = reason.String
	return &w, nil
}

// =============================================================================
// ACCRUAL STORE (mora.AccrualStore)
// =============================================================================

const accrualColumns = "id, installment_id, policy_id, accrual_start, accrual_end, base_daily, accrued, discount, status, notes"

// SaveAccrual inserts a record.
func (s *Store) SaveAccrual(ctx context.Context, r mora.AccrualRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accrual_records
		(id, installment_id, policy_id, accrual_start, accrual_end, base_daily, accrued, discount, status, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.InstallmentID, r.PolicyID,
		dateString(r.Start), nullDate(r.End),
		r.BaseDaily.String(), r.Accrued.String(), r.Discount.String(),
		r.Status, nullString(r.Notes), now, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("open accrual record already exists for installment %s: %w", r.InstallmentID, err)
		}
		return fmt.Errorf("failed to insert accrual record: %w", err)
	}
	return nil
}

// UpdateAccrual rewrites a record.
func (s *Store) UpdateAccrual(ctx context.Context, r mora.AccrualRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE accrual_records
		SET accrual_start = ?, accrual_end = ?, base_daily = ?, accrued = ?, discount = ?, status = ?, notes = ?, updated_at = ?
		WHERE id = ?
	`,
		dateString(r.Start), nullDate(r.End),
		r.BaseDaily.String(), r.Accrued.String(), r.Discount.String(),
		r.Status, nullString(r.Notes), time.Now().UTC().Format(time.RFC3339),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update accrual record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mora.ErrAccrualNotFound
	}
	return nil
}

// GetAccrual returns a record by ID, or nil.
func (s *Store) GetAccrual(ctx context.Context, id string) (*mora.AccrualRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+accrualColumns+" FROM accrual_records WHERE id = ?", id)
	return scanAccrualRow(row)
}

// FindOpenPending returns the installment's pending record with no end date.
func (s *Store) FindOpenPending(ctx context.Context, installmentID string) (*mora.AccrualRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+accrualColumns+` FROM accrual_records
		WHERE installment_id = ? AND status = 'pending' AND accrual_end IS NULL
	`, installmentID)
	return scanAccrualRow(row)
}

// FindOpenPendingFrom returns the open pending record with start >= from.
func (s *Store) FindOpenPendingFrom(ctx context.Context, installmentID string, from mora.Date) (*mora.AccrualRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+accrualColumns+` FROM accrual_records
		WHERE installment_id = ? AND status = 'pending' AND accrual_end IS NULL AND accrual_start >= ?
		ORDER BY accrual_start ASC
		LIMIT 1
	`, installmentID, dateString(from))
	return scanAccrualRow(row)
}

// FindPendingThrough returns a pending record (open or frozen) with
// start <= through.
func (s *Store) FindPendingThrough(ctx context.Context, installmentID string, through mora.Date) (*mora.AccrualRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+accrualColumns+` FROM accrual_records
		WHERE installment_id = ? AND status = 'pending' AND accrual_start <= ?
		ORDER BY accrual_start DESC
		LIMIT 1
	`, installmentID, dateString(through))
	return scanAccrualRow(row)
}

// FindLatestAccrual returns the most recent record by start date, any status.
func (s *Store) FindLatestAccrual(ctx context.Context, installmentID string) (*mora.AccrualRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+accrualColumns+` FROM accrual_records
		WHERE installment_id = ?
		ORDER BY accrual_start DESC
		LIMIT 1
	`, installmentID)
	return scanAccrualRow(row)
}

// ListOpenPending returns every open pending record across installments.
func (s *Store) ListOpenPending(ctx context.Context) ([]mora.AccrualRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accrualColumns+` FROM accrual_records
		WHERE status = 'pending' AND accrual_end IS NULL
		ORDER BY installment_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAccruals(rows)
}

// ListAccrualsByInstallment returns all records for an installment.
func (s *Store) ListAccrualsByInstallment(ctx context.Context, installmentID string) ([]mora.AccrualRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accrualColumns+` FROM accrual_records
		WHERE installment_id = ?
		ORDER BY accrual_start
	`, installmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAccruals(rows)
}

// SetDiscount writes the denormalized discount amount on a record.
func (s *Store) SetDiscount(ctx context.Context, id string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return setDiscountOn(ctx, s.db, id, amount)
}

func setDiscountOn(ctx context.Context, db execer, id string, amount decimal.Decimal) error {
	res, err := db.ExecContext(ctx, `
		UPDATE accrual_records SET discount = ?, updated_at = ? WHERE id = ?
	`, amount.String(), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mora.ErrAccrualNotFound
	}
	return nil
}

func scanAccruals(rows *sql.Rows) ([]mora.AccrualRecord, error) {
	var out []mora.AccrualRecord
	for rows.Next() {
		rec, err := scanAccrual(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanAccrualRow(row *sql.Row) (*mora.AccrualRecord, error) {
	rec, err := scanAccrual(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func scanAccrual(scan func(...any) error) (*mora.AccrualRecord, error) {
	var (
		rec       mora.AccrualRecord
		start     string
		end       sql.NullString
		baseDaily string
		accrued   string
		discount  string
		notes     sql.NullString
	)
	err := scan(&rec.ID, &rec.InstallmentID, &rec.PolicyID,
		&start, &end, &baseDaily, &accrued, &discount, &rec.Status, &notes)
	if err != nil {
		return nil, err
	}
	rec.Start = parseDate(start)
	rec.End = parseNullDate(end)
	rec.BaseDaily = mora.MustDecimal(baseDaily)
	rec.Accrued = mora.MustDecimal(accrued)
	rec.Discount = mora.MustDecimal(discount)
	rec.Notes = notes.String
	return &rec, nil
}

// =============================================================================
// DISCOUNT STORE (mora.DiscountStore)
// =============================================================================

const discountColumns = "id, accrual_record_id, is_percentage, amount, reason, active"

// ApplyDiscount activates d, deactivates its siblings and denormalizes the
// effective amount into the parent, in one transaction.
func (s *Store) ApplyDiscount(ctx context.Context, d mora.DiscountRecord, effective decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE discount_records SET active = FALSE
		WHERE accrual_record_id = ? AND active = TRUE
	`, d.AccrualRecordID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO discount_records (id, accrual_record_id, is_percentage, amount, reason, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.AccrualRecordID, d.IsPercentage, d.Amount.String(), nullString(d.Reason), d.Active,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return mora.ErrDiscountConflict
		}
		return fmt.Errorf("failed to insert discount: %w", err)
	}

	if err := setDiscountOn(ctx, tx, d.AccrualRecordID, effective); err != nil {
		return err
	}
	return tx.Commit()
}

// GetDiscount returns a discount by ID, or nil.
func (s *Store) GetDiscount(ctx context.Context, id string) (*mora.DiscountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+discountColumns+" FROM discount_records WHERE id = ?", id)
	return scanDiscountRow(row)
}

// SetDiscountActive flips the active flag on one discount.
func (s *Store) SetDiscountActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE discount_records SET active = ? WHERE id = ?", active, id)
	if err != nil {
		if isUniqueConstraintError(err) {
			return mora.ErrDiscountConflict
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mora.ErrDiscountNotFound
	}
	return nil
}

// DeactivateDiscountsFor deactivates every discount of an accrual record
// except the given ID.
func (s *Store) DeactivateDiscountsFor(ctx context.Context, accrualRecordID, exceptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE discount_records SET active = FALSE
		WHERE accrual_record_id = ? AND id != ? AND active = TRUE
	`, accrualRecordID, exceptID)
	return err
}

// FindActiveDiscountFor returns the active discount of a record, or nil.
func (s *Store) FindActiveDiscountFor(ctx context.Context, accrualRecordID string) (*mora.DiscountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+discountColumns+` FROM discount_records
		WHERE accrual_record_id = ? AND active = TRUE
	`, accrualRecordID)
	return scanDiscountRow(row)
}

// ListDiscountsFor returns all discounts of an accrual record.
func (s *Store) ListDiscountsFor(ctx context.Context, accrualRecordID string) ([]mora.DiscountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+discountColumns+` FROM discount_records
		WHERE accrual_record_id = ?
		ORDER BY created_at
	`, accrualRecordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mora.DiscountRecord
	for rows.Next() {
		var (
			d      mora.DiscountRecord
			amount string
			reason sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.AccrualRecordID, &d.IsPercentage, &amount, &reason, &d.Active); err != nil {
			return nil, err
		}
		d.Amount = mora.MustDecimal(amount)
		d.Reason = reason.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDiscountRow(row *sql.Row) (*mora.DiscountRecord, error) {
	var (
		d      mora.DiscountRecord
		amount string
		reason sql.NullString
	)
	err := row.Scan(&d.ID, &d.AccrualRecordID, &d.IsPercentage, &amount, &reason, &d.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan discount: %w", err)
	}
	d.Amount = mora.MustDecimal(amount)
	d.Reason = reason.String
	return &d, nil
}

// =============================================================================
// RUN STORE (mora.RunStore)
// =============================================================================

// SaveRun inserts or updates a run record.
func (s *Store) SaveRun(ctx context.Context, run mora.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt *string
	if run.CompletedAt != nil {
		t := run.CompletedAt.UTC().Format(time.RFC3339)
		completedAt = &t
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accrual_runs
		(id, run_date, trigger_source, status, created_count, updated_count, closed_count, skipped_count, error_count, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			created_count = excluded.created_count,
			updated_count = excluded.updated_count,
			closed_count = excluded.closed_count,
			skipped_count = excluded.skipped_count,
			error_count = excluded.error_count,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		run.ID, dateString(run.RunDate), run.Trigger, run.Status,
		run.Summary.Created, run.Summary.Updated, run.Summary.Closed, run.Summary.Skipped, run.Summary.Errors,
		nullString(run.Error), run.StartedAt.UTC().Format(time.RFC3339), completedAt,
	)
	return err
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]mora.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_date, trigger_source, status, created_count, updated_count, closed_count, skipped_count, error_count, error, started_at, completed_at
		FROM accrual_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mora.RunRecord
	for rows.Next() {
		var (
			run         mora.RunRecord
			runDate     string
			runErr      sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&run.ID, &runDate, &run.Trigger, &run.Status,
			&run.Summary.Created, &run.Summary.Updated, &run.Summary.Closed, &run.Summary.Skipped, &run.Summary.Errors,
			&runErr, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		run.RunDate = parseDate(runDate)
		run.Error = runErr.String
		run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339, completedAt.String)
			run.CompletedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// HasCompletedRun reports whether a completed run exists for the date.
func (s *Store) HasCompletedRun(ctx context.Context, day mora.Date) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM accrual_runs WHERE run_date = ? AND status = 'completed'",
		dateString(day),
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func dateString(d mora.Date) string {
	return d.String()
}

func nullDate(d *mora.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDate(s string) mora.Date {
	d, _ := mora.ParseDate(s)
	return d
}

func parseNullDate(s sql.NullString) *mora.Date {
	if !s.Valid || s.String == "" {
		return nil
	}
	d := parseDate(s.String)
	return &d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
