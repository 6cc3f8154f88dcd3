/*
handlers.go - HTTP API handlers for the late-fee accrual system

PURPOSE:
  Exposes the accrual engine and its staff-facing operations via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Installments:
    GET    /api/installments                     List installments
    POST   /api/installments                     Register an installment
    GET    /api/installments/{id}                Get installment
    POST   /api/installments/{id}/pay            Mark paid
    GET    /api/installments/{id}/accruals       Accrual history
    GET    /api/installments/{id}/suspensions    Prorroga history

  Policies:
    GET    /api/policies                         List policies
    POST   /api/policies                         Create policy
    GET    /api/policies/{id}                    Get policy

  Suspensions (prorrogas):
    POST   /api/suspensions                      Open a window
    PATCH  /api/suspensions/{id}/toggle-status   Flip active flag

  Accruals:
    GET    /api/accruals                         List open pending records
    GET    /api/accruals/{id}                    Get record
    GET    /api/accruals/{id}/discounts          Discount history

  Discounts:
    POST   /api/discounts/batch                  Apply discounts in batch
    PATCH  /api/discounts/{id}/toggle-status     Flip active flag

  Admin:
    POST   /api/admin/run-daily                  Trigger an engine run
    GET    /api/runs                             Recent engine runs

ERROR HANDLING:
  Domain errors map to HTTP status via the error taxonomy:
  - 422: validation errors
  - 409: conflicts (overlapping suspension, duplicate active discount)
  - 404: unknown IDs
  - 500: persistence and internal errors

SECURITY NOTE:
  No authentication middleware. The service is deployed behind the school
  back office's gateway, which owns authn/authz.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/edupay/mora-engine/mora"
	"github.com/edupay/mora-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       *sqlite.Store
	Policies    *mora.PolicyService
	Suspensions *mora.SuspensionManager
	Discounts   *mora.DiscountService
	Accruals    *mora.AccrualService
	Engine      *mora.Engine

	// Clock returns the engine's notion of today. Overridable in tests.
	Clock func() mora.Date
}

// NewHandler wires a handler around one store.
func NewHandler(store *sqlite.Store) *Handler {
	policies := mora.NewPolicyService(store)
	suspensions := mora.NewSuspensionManager(store, store)
	return &Handler{
		Store:       store,
		Policies:    policies,
		Suspensions: suspensions,
		Discounts:   mora.NewDiscountService(store, store),
		Accruals:    mora.NewAccrualService(store),
		Engine:      mora.NewEngine(store, store, policies, suspensions, store),
		Clock:       mora.Today,
	}
}

// =============================================================================
// INSTALLMENT HANDLERS
// =============================================================================

// ListInstallments returns all installments.
func (h *Handler) ListInstallments(w http.ResponseWriter, r *http.Request) {
	installments, err := h.Store.ListInstallments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list installments", err)
		return
	}

	dtos := make([]InstallmentDTO, len(installments))
	for i, inst := range installments {
		dtos[i] = toInstallmentDTO(inst)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateInstallment registers an installment in the local ledger mirror.
func (h *Handler) CreateInstallment(w http.ResponseWriter, r *http.Request) {
	var req CreateInstallmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.StudentID == "" || req.PensumCode == "" || req.InstallmentNumber <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "id, student_id, pensum_code and installment_number are required", nil)
		return
	}

	status := mora.PaymentStatus(req.PaymentStatus)
	if status == "" {
		status = mora.PaymentPending
	}

	inst := mora.Installment{
		ID:                req.ID,
		StudentID:         req.StudentID,
		PensumCode:        req.PensumCode,
		InstallmentNumber: req.InstallmentNumber,
		PaymentStatus:     status,
	}
	var period *mora.InstallmentPeriod
	if req.Semester != "" && req.Period != "" {
		period = &mora.InstallmentPeriod{Semester: req.Semester, Period: req.Period}
	}

	if err := h.Store.SaveInstallment(r.Context(), inst, period); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save installment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInstallmentDTO(inst))
}

// GetInstallment returns one installment.
func (h *Handler) GetInstallment(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Store.GetInstallment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get installment", err)
		return
	}
	if inst == nil {
		writeError(w, http.StatusNotFound, "Installment not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toInstallmentDTO(*inst))
}

// PayInstallment marks an installment paid. The next engine run closes its
// accrual records.
func (h *Handler) PayInstallment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Store.MarkPaid(r.Context(), id); err != nil {
		writeDomainError(w, "pay_installment", "Failed to mark installment paid", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "payment_status": "paid"})
}

// ListInstallmentAccruals returns the accrual history of an installment.
func (h *Handler) ListInstallmentAccruals(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.ListAccrualsByInstallment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list accrual records", err)
		return
	}

	dtos := make([]AccrualDTO, len(records))
	for i, rec := range records {
		dtos[i] = toAccrualDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListInstallmentSuspensions returns the prorroga history of an installment.
func (h *Handler) ListInstallmentSuspensions(w http.ResponseWriter, r *http.Request) {
	windows, err := h.Store.ListSuspensionsByInstallment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list suspension windows", err)
		return
	}

	dtos := make([]SuspensionDTO, len(windows))
	for i, win := range windows {
		dtos[i] = toSuspensionDTO(win)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// ListPolicies returns all accrual policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Store.ListPolicies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list policies", err)
		return
	}

	dtos := make([]PolicyDTO, len(policies))
	for i, p := range policies {
		dtos[i] = toPolicyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePolicy creates an accrual policy, superseding any active policy for
// the same key tuple.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	daily, err := decimal.NewFromString(req.DailyPenalty)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid daily_penalty (use a decimal string)", err)
		return
	}
	start, err := mora.ParseDate(req.EffectiveStart)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid effective_start (use YYYY-MM-DD)", err)
		return
	}
	var end *mora.Date
	if req.EffectiveEnd != "" {
		d, err := mora.ParseDate(req.EffectiveEnd)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "Invalid effective_end (use YYYY-MM-DD)", err)
			return
		}
		end = &d
	}

	p := mora.AccrualPolicy{
		ID: uuid.NewString(),
		Key: mora.PolicyKey{
			PensumCode:        req.PensumCode,
			InstallmentNumber: req.InstallmentNumber,
			Semester:          req.Semester,
			Period:            req.Period,
		},
		DailyPenalty:   daily,
		EffectiveStart: start,
		EffectiveEnd:   end,
		Active:         true,
	}
	if err := h.Policies.Create(r.Context(), p); err != nil {
		writeDomainError(w, "create_policy", "Failed to create policy", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPolicyDTO(p))
}

// GetPolicy returns one policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get policy", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Policy not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(*p))
}

// =============================================================================
// SUSPENSION HANDLERS
// =============================================================================

// ListSuspensions returns suspension windows. With an installment_id query
// parameter it returns that installment's windows; without one, every window.
func (h *Handler) ListSuspensions(w http.ResponseWriter, r *http.Request) {
	var windows []mora.SuspensionWindow
	var err error
	if instID := r.URL.Query().Get("installment_id"); instID != "" {
		windows, err = h.Store.ListSuspensionsByInstallment(r.Context(), instID)
	} else {
		windows, err = h.Store.ListSuspensions(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list suspension windows", err)
		return
	}

	dtos := make([]SuspensionDTO, len(windows))
	for i, win := range windows {
		dtos[i] = toSuspensionDTO(win)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSuspension opens a prorroga window and freezes the installment's
// open accrual record.
func (h *Handler) CreateSuspension(w http.ResponseWriter, r *http.Request) {
	var req CreateSuspensionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	start, err := mora.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid start_date (use YYYY-MM-DD)", err)
		return
	}
	end, err := mora.ParseDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid end_date (use YYYY-MM-DD)", err)
		return
	}

	win, err := h.Suspensions.Create(r.Context(), req.InstallmentID, start, end, req.Reason, h.Clock())
	if err != nil {
		writeDomainError(w, "create_suspension", "Failed to create suspension window", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSuspensionDTO(*win))
}

// ToggleSuspension flips a window's active flag.
func (h *Handler) ToggleSuspension(w http.ResponseWriter, r *http.Request) {
	win, err := h.Suspensions.Toggle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "toggle_suspension", "Failed to toggle suspension window", err)
		return
	}
	writeJSON(w, http.StatusOK, toSuspensionDTO(*win))
}

// =============================================================================
// ACCRUAL HANDLERS
// =============================================================================

// ListOpenAccruals returns every open pending accrual record. With an
// installment_id query parameter it returns that installment's full history
// instead, closed and waived records included.
func (h *Handler) ListOpenAccruals(w http.ResponseWriter, r *http.Request) {
	var records []mora.AccrualRecord
	var err error
	if instID := r.URL.Query().Get("installment_id"); instID != "" {
		records, err = h.Store.ListAccrualsByInstallment(r.Context(), instID)
	} else {
		records, err = h.Store.ListOpenPending(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list accrual records", err)
		return
	}

	dtos := make([]AccrualDTO, len(records))
	for i, rec := range records {
		dtos[i] = toAccrualDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAccrual returns one accrual record.
func (h *Handler) GetAccrual(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.GetAccrual(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get accrual record", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "Accrual record not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toAccrualDTO(*rec))
}

// WaiveAccrual writes off a pending accrual record.
func (h *Handler) WaiveAccrual(w http.ResponseWriter, r *http.Request) {
	var req WaiveAccrualRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	rec, err := h.Accruals.Waive(r.Context(), chi.URLParam(r, "id"), req.Reason, h.Clock())
	if err != nil {
		writeDomainError(w, "waive_accrual", "Failed to waive accrual record", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccrualDTO(*rec))
}

// ListAccrualDiscounts returns the discount history of an accrual record.
func (h *Handler) ListAccrualDiscounts(w http.ResponseWriter, r *http.Request) {
	discounts, err := h.Store.ListDiscountsFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list discounts", err)
		return
	}

	dtos := make([]DiscountDTO, len(discounts))
	for i, d := range discounts {
		dtos[i] = toDiscountDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// DISCOUNT HANDLERS
// =============================================================================

// BatchApplyDiscounts applies one discount per listed accrual record.
// Processing stops at the first failing element; discounts already applied
// stand, and the response reports both.
func (h *Handler) BatchApplyDiscounts(w http.ResponseWriter, r *http.Request) {
	var req BatchDiscountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Discounts) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "discounts must not be empty", nil)
		return
	}

	items := make([]mora.BatchDiscountItem, len(req.Discounts))
	for i, item := range req.Discounts {
		amount, err := decimal.NewFromString(item.Amount)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("Invalid amount for accrual record %s", item.AccrualRecordID), err)
			return
		}
		items[i] = mora.BatchDiscountItem{
			AccrualRecordID: item.AccrualRecordID,
			IsPercentage:    item.IsPercentage,
			Amount:          amount,
		}
	}

	created, err := h.Discounts.ApplyBatch(r.Context(), items, req.Reason)
	dtos := make([]DiscountDTO, len(created))
	for i, d := range created {
		dtos[i] = toDiscountDTO(d)
	}
	if err != nil {
		writeJSON(w, domainStatus(err), map[string]any{
			"applied": dtos,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"applied": dtos})
}

// ToggleDiscount flips a discount's active flag and refreshes the parent
// record's denormalized amount.
func (h *Handler) ToggleDiscount(w http.ResponseWriter, r *http.Request) {
	d, err := h.Discounts.ToggleStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "toggle_discount", "Failed to toggle discount", err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscountDTO(*d))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunDaily triggers an engine run, defaulting to today. An empty body is
// accepted.
func (h *Handler) RunDaily(w http.ResponseWriter, r *http.Request) {
	var req RunDailyRequest
	if r.Body != nil {
		// Body is optional
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	day := h.Clock()
	if req.Date != "" {
		parsed, err := mora.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "Invalid date (use YYYY-MM-DD)", err)
			return
		}
		day = parsed
	}

	sum, err := ExecuteRun(r.Context(), h.Store, h.Engine, day, "api", req.Force)
	if err == ErrAlreadyRan {
		writeJSON(w, http.StatusConflict, RunDailyResponse{
			RunDate: day.String(),
			Message: "a completed run already exists for this date",
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Engine run failed", err)
		return
	}

	writeJSON(w, http.StatusOK, RunDailyResponse{
		RunDate: day.String(),
		Created: sum.Created,
		Updated: sum.Updated,
		Closed:  sum.Closed,
		Skipped: sum.Skipped,
		Errors:  sum.Errors,
	})
}

// ListRuns returns recent engine runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRuns(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health is the liveness endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the domain error taxonomy to HTTP status.
func writeDomainError(w http.ResponseWriter, route, message string, err error) {
	status := domainStatus(err)
	if status >= http.StatusInternalServerError {
		httpErrorsTotal.WithLabelValues(route).Inc()
	}
	writeError(w, status, message, err)
}

func domainStatus(err error) int {
	switch {
	case mora.IsValidation(err):
		return http.StatusUnprocessableEntity
	case mora.IsConflict(err):
		return http.StatusConflict
	case mora.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
