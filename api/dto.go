/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY AND DATES:
  Monetary amounts travel as decimal strings ("12.50"), never floats.
  Dates travel as "YYYY-MM-DD".

VALIDATION:
  Validation is done in handlers and domain services, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/edupay/mora-engine/mora"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// InstallmentDTO represents a tuition installment in API responses.
type InstallmentDTO struct {
	ID                string `json:"id"`
	StudentID         string `json:"student_id"`
	PensumCode        string `json:"pensum_code"`
	InstallmentNumber int    `json:"installment_number"`
	PaymentStatus     string `json:"payment_status"`
}

// CreateInstallmentRequest is the request to register an installment.
type CreateInstallmentRequest struct {
	ID                string `json:"id"`
	StudentID         string `json:"student_id"`
	PensumCode        string `json:"pensum_code"`
	InstallmentNumber int    `json:"installment_number"`
	Semester          string `json:"semester"`
	Period            string `json:"period"`
	PaymentStatus     string `json:"payment_status"`
}

// PolicyDTO represents an accrual policy in API responses.
type PolicyDTO struct {
	ID                string  `json:"id"`
	PensumCode        string  `json:"pensum_code"`
	InstallmentNumber int     `json:"installment_number"`
	Semester          string  `json:"semester"`
	Period            string  `json:"period"`
	DailyPenalty      string  `json:"daily_penalty"`
	EffectiveStart    string  `json:"effective_start"`
	EffectiveEnd      *string `json:"effective_end,omitempty"`
	Active            bool    `json:"active"`
}

// CreatePolicyRequest is the request to create an accrual policy.
type CreatePolicyRequest struct {
	PensumCode        string `json:"pensum_code"`
	InstallmentNumber int    `json:"installment_number"`
	Semester          string `json:"semester"`
	Period            string `json:"period"`
	DailyPenalty      string `json:"daily_penalty"`
	EffectiveStart    string `json:"effective_start"`
	EffectiveEnd      string `json:"effective_end,omitempty"`
}

// SuspensionDTO represents a prorroga window in API responses.
type SuspensionDTO struct {
	ID            string `json:"id"`
	InstallmentID string `json:"installment_id"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	Active        bool   `json:"active"`
	Reason        string `json:"reason,omitempty"`
}

// CreateSuspensionRequest is the request to open a prorroga window.
type CreateSuspensionRequest struct {
	InstallmentID string `json:"installment_id"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	Reason        string `json:"reason"`
}

// AccrualDTO represents an accrual record in API responses.
type AccrualDTO struct {
	ID            string  `json:"id"`
	InstallmentID string  `json:"installment_id"`
	PolicyID      string  `json:"policy_id"`
	StartDate     string  `json:"start_date"`
	EndDate       *string `json:"end_date,omitempty"`
	BaseDaily     string  `json:"base_daily"`
	Accrued       string  `json:"accrued"`
	Discount      string  `json:"discount"`
	NetAmount     string  `json:"net_amount"`
	Status        string  `json:"status"`
	Notes         string  `json:"notes,omitempty"`
}

// DiscountDTO represents a discount record in API responses.
type DiscountDTO struct {
	ID              string `json:"id"`
	AccrualRecordID string `json:"accrual_record_id"`
	IsPercentage    bool   `json:"is_percentage"`
	Amount          string `json:"amount"`
	Reason          string `json:"reason,omitempty"`
	Active          bool   `json:"active"`
}

// BatchDiscountRequest applies one discount to each listed accrual record.
type BatchDiscountRequest struct {
	Reason    string              `json:"reason"`
	Discounts []BatchDiscountItem `json:"discounts"`
}

// BatchDiscountItem is one element of a batch discount request.
type BatchDiscountItem struct {
	AccrualRecordID string `json:"accrual_record_id"`
	IsPercentage    bool   `json:"is_percentage"`
	Amount          string `json:"amount"`
}

// WaiveAccrualRequest writes off one accrual record. The body is optional.
type WaiveAccrualRequest struct {
	Reason string `json:"reason"`
}

// RunDTO represents an engine run in API responses.
type RunDTO struct {
	ID          string `json:"id"`
	RunDate     string `json:"run_date"`
	Trigger     string `json:"trigger"`
	Status      string `json:"status"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Closed      int    `json:"closed"`
	Skipped     int    `json:"skipped"`
	Errors      int    `json:"errors"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// RunDailyRequest triggers an engine run, optionally for a specific date.
type RunDailyRequest struct {
	Date  string `json:"date,omitempty"`
	Force bool   `json:"force,omitempty"`
}

// RunDailyResponse reports the outcome of a triggered run.
type RunDailyResponse struct {
	RunDate string `json:"run_date"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Closed  int    `json:"closed"`
	Skipped int    `json:"skipped"`
	Errors  int    `json:"errors"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toInstallmentDTO(inst mora.Installment) InstallmentDTO {
	return InstallmentDTO{
		ID:                inst.ID,
		StudentID:         inst.StudentID,
		PensumCode:        inst.PensumCode,
		InstallmentNumber: inst.InstallmentNumber,
		PaymentStatus:     string(inst.PaymentStatus),
	}
}

func toPolicyDTO(p mora.AccrualPolicy) PolicyDTO {
	dto := PolicyDTO{
		ID:                p.ID,
		PensumCode:        p.Key.PensumCode,
		InstallmentNumber: p.Key.InstallmentNumber,
		Semester:          p.Key.Semester,
		Period:            p.Key.Period,
		DailyPenalty:      p.DailyPenalty.String(),
		EffectiveStart:    p.EffectiveStart.String(),
		Active:            p.Active,
	}
	if p.EffectiveEnd != nil {
		s := p.EffectiveEnd.String()
		dto.EffectiveEnd = &s
	}
	return dto
}

func toSuspensionDTO(w mora.SuspensionWindow) SuspensionDTO {
	return SuspensionDTO{
		ID:            w.ID,
		InstallmentID: w.InstallmentID,
		StartDate:     w.Start.String(),
		EndDate:       w.End.String(),
		Active:        w.Active,
		Reason:        w.Reason,
	}
}

func toAccrualDTO(rec mora.AccrualRecord) AccrualDTO {
	dto := AccrualDTO{
		ID:            rec.ID,
		InstallmentID: rec.InstallmentID,
		PolicyID:      rec.PolicyID,
		StartDate:     rec.Start.String(),
		BaseDaily:     rec.BaseDaily.String(),
		Accrued:       rec.Accrued.String(),
		Discount:      rec.Discount.String(),
		NetAmount:     rec.NetAmount().String(),
		Status:        string(rec.Status),
		Notes:         rec.Notes,
	}
	if rec.End != nil {
		s := rec.End.String()
		dto.EndDate = &s
	}
	return dto
}

func toDiscountDTO(d mora.DiscountRecord) DiscountDTO {
	return DiscountDTO{
		ID:              d.ID,
		AccrualRecordID: d.AccrualRecordID,
		IsPercentage:    d.IsPercentage,
		Amount:          d.Amount.String(),
		Reason:          d.Reason,
		Active:          d.Active,
	}
}

func toRunDTO(run mora.RunRecord) RunDTO {
	dto := RunDTO{
		ID:        run.ID,
		RunDate:   run.RunDate.String(),
		Trigger:   run.Trigger,
		Status:    run.Status,
		Created:   run.Summary.Created,
		Updated:   run.Summary.Updated,
		Closed:    run.Summary.Closed,
		Skipped:   run.Summary.Skipped,
		Errors:    run.Summary.Errors,
		Error:     run.Error,
		StartedAt: run.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return dto
}
