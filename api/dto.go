/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types that
  already carry JSON tags (orders, catalog items, withdrawals, policies,
  settings) are returned as they are; ledger types are mapped here so the
  wire names stay stable when the ledger changes.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

COMMAND/RESPONSE:
  Every command that moves points answers with the balance after the
  posting (BalanceDTO), so clients never recompute it.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/investment"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/purchase"
	"github.com/warp/points-engine/withdrawal"
)

// =============================================================================
// LEDGER
// =============================================================================

type StudentDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at,omitempty"`
}

type CreateStudentRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active *bool  `json:"active,omitempty"`
}

type BalanceDTO struct {
	StudentID string `json:"student_id"`
	Total     int64  `json:"total_points"`
	Available int64  `json:"available_points"`
	Invested  int64  `json:"invested_points"`
	Insurance int64  `json:"insurance_points"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func toBalanceDTO(b points.Balance) BalanceDTO {
	dto := BalanceDTO{
		StudentID: string(b.StudentID),
		Total:     int64(b.Total),
		Available: int64(b.Available),
		Invested:  int64(b.Invested),
		Insurance: int64(b.Insurance),
		Version:   b.Version,
	}
	if !b.UpdatedAt.IsZero() {
		dto.UpdatedAt = b.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

type TransactionDTO struct {
	ID             string `json:"id"`
	StudentID      string `json:"student_id"`
	Type           string `json:"type"`
	Category       string `json:"category"`
	Amount         int64  `json:"amount"`
	Bucket         string `json:"bucket"`
	Source         string `json:"source,omitempty"`
	BalanceAfter   int64  `json:"balance_after"`
	Date           string `json:"date"`
	Description    string `json:"description"`
	ReferenceID    string `json:"reference_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedBy      string `json:"created_by,omitempty"`
}

func toTransactionDTO(t points.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(t.ID),
		StudentID:      string(t.StudentID),
		Type:           string(t.Type),
		Category:       string(t.Category),
		Amount:         int64(t.Amount),
		Bucket:         string(t.Bucket),
		Source:         string(t.Source),
		BalanceAfter:   int64(t.Balance),
		Date:           t.Date.Format(time.RFC3339),
		Description:    t.Description,
		ReferenceID:    t.ReferenceID,
		IdempotencyKey: t.IdempotencyKey,
		CreatedBy:      t.CreatedBy,
	}
}

func toTransactionDTOs(txs []points.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, t := range txs {
		dtos = append(dtos, toTransactionDTO(t))
	}
	return dtos
}

// ReceiptDTO answers every command that posted to the ledger.
type ReceiptDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Balance     BalanceDTO     `json:"balance"`
	Duplicate   bool           `json:"duplicate,omitempty"`
}

func toReceiptDTO(r points.Receipt) ReceiptDTO {
	return ReceiptDTO{
		Transaction: toTransactionDTO(r.Transaction),
		Balance:     toBalanceDTO(r.Balance),
		Duplicate:   r.Duplicate,
	}
}

type ReconcileDTO struct {
	StudentID    string           `json:"student_id"`
	Consistent   bool             `json:"consistent"`
	Drift        map[string]int64 `json:"drift,omitempty"`
	Expected     BalanceDTO       `json:"expected"`
	Stored       BalanceDTO       `json:"stored"`
	Transactions int              `json:"transactions"`
}

func toReconcileDTO(rep points.Report) ReconcileDTO {
	dto := ReconcileDTO{
		StudentID:    string(rep.StudentID),
		Consistent:   rep.Consistent,
		Expected:     toBalanceDTO(rep.Expected),
		Stored:       toBalanceDTO(rep.Stored),
		Transactions: rep.Transactions,
	}
	if len(rep.Drift) > 0 {
		dto.Drift = make(map[string]int64, len(rep.Drift))
		for k, v := range rep.Drift {
			dto.Drift[k] = int64(v)
		}
	}
	return dto
}

// AdjustmentRequest is an admin bonus (positive) or penalty (negative).
type AdjustmentRequest struct {
	StudentID      string `json:"student_id"`
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
}

// =============================================================================
// SPONSORSHIP
// =============================================================================

type AllocationRequest struct {
	StudentID      string          `json:"student_id"`
	DonorID        string          `json:"donor_id"`
	SponsorshipID  string          `json:"sponsorship_id"`
	MonthlyAmount  decimal.Decimal `json:"monthly_amount"`
	Period         string          `json:"period,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type AllocationDTO struct {
	Transaction    TransactionDTO  `json:"transaction"`
	Balance        BalanceDTO      `json:"balance"`
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	FeeAmount      decimal.Decimal `json:"fee_amount"`
	PointsCredited int64           `json:"points_credited"`
	Duplicate      bool            `json:"duplicate,omitempty"`
}

type FeeDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	StudentID   string `json:"student_id"`
	SourceID    string `json:"source_id"`
	ReferenceID string `json:"reference_id,omitempty"`
	Percent     string `json:"percent"`
	Gross       string `json:"gross"`
	Amount      string `json:"amount"`
	Points      int64  `json:"points"`
	CreatedAt   string `json:"created_at"`
}

func toFeeDTO(f points.Fee) FeeDTO {
	return FeeDTO{
		ID:          f.ID,
		Kind:        string(f.Kind),
		StudentID:   string(f.StudentID),
		SourceID:    f.SourceID,
		ReferenceID: f.ReferenceID,
		Percent:     f.Percent,
		Gross:       f.Gross,
		Amount:      f.Amount,
		Points:      int64(f.Points),
		CreatedAt:   f.CreatedAt.Format(time.RFC3339),
	}
}

type FeeReportDTO struct {
	Kind        string          `json:"kind,omitempty"`
	Count       int             `json:"count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	TotalPoints int64           `json:"total_points"`
	Fees        []FeeDTO        `json:"fees"`
}

// =============================================================================
// INVESTMENTS
// =============================================================================

type InvestmentDTO struct {
	ID             string           `json:"id"`
	StudentID      string           `json:"student_id"`
	Amount         int64            `json:"amount"`
	Platform       string           `json:"platform"`
	Type           string           `json:"type"`
	Status         string           `json:"status"`
	InvestmentDate string           `json:"investment_date"`
	MaturityDate   string           `json:"maturity_date,omitempty"`
	ExpectedReturn decimal.Decimal  `json:"expected_return"`
	CurrentValue   *decimal.Decimal `json:"current_value,omitempty"`
	PeriodKey      string           `json:"period_key,omitempty"`
	TransactionID  string           `json:"transaction_id"`
}

func toInvestmentDTO(inv investment.Investment) InvestmentDTO {
	dto := InvestmentDTO{
		ID:             inv.ID,
		StudentID:      string(inv.StudentID),
		Amount:         int64(inv.Amount),
		Platform:       inv.Platform,
		Type:           inv.Type,
		Status:         string(inv.Status),
		InvestmentDate: inv.InvestmentDate.Format(time.RFC3339),
		ExpectedReturn: inv.ExpectedReturn,
		CurrentValue:   inv.CurrentValue,
		PeriodKey:      inv.PeriodKey,
		TransactionID:  string(inv.TransactionID),
	}
	if inv.MaturityDate != nil {
		dto.MaturityDate = inv.MaturityDate.Format(time.RFC3339)
	}
	return dto
}

func toInvestmentDTOs(invs []investment.Investment) []InvestmentDTO {
	dtos := make([]InvestmentDTO, 0, len(invs))
	for _, inv := range invs {
		dtos = append(dtos, toInvestmentDTO(inv))
	}
	return dtos
}

type InvestmentResultDTO struct {
	Investment InvestmentDTO `json:"investment"`
	Balance    BalanceDTO    `json:"balance"`
}

type InvestRequest struct {
	StudentID          string          `json:"student_id"`
	Amount             int64           `json:"amount"`
	Platform           string          `json:"platform"`
	Type               string          `json:"type"`
	ExpectedReturnRate decimal.Decimal `json:"expected_return_rate"`
	MaturityDays       int             `json:"maturity_days"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
}

type SweepRequest struct {
	Period string `json:"period"`
}

type MatureRequest struct {
	AsOf string `json:"as_of,omitempty"`
}

type MaturityDTO struct {
	Completed []InvestmentDTO      `json:"completed"`
	Failures  []investment.Failure `json:"failures"`
}

type LiquidateRequest struct {
	CurrentValue decimal.Decimal `json:"current_value"`
}

// =============================================================================
// PURCHASES
// =============================================================================

type CheckoutRequest struct {
	Items          []purchase.CartItem `json:"items"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
}

type CheckoutDTO struct {
	Order     purchase.Order `json:"order"`
	Balance   BalanceDTO     `json:"balance"`
	Duplicate bool           `json:"duplicate,omitempty"`
}

type OrderActionRequest struct {
	Reason string `json:"reason"`
}

type TransitionDTO struct {
	Order   purchase.Order `json:"order"`
	Balance *BalanceDTO    `json:"balance,omitempty"`
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

type WithdrawalRequest struct {
	Amount         int64                  `json:"amount"`
	Category       string                 `json:"category"`
	Bank           withdrawal.BankDetails `json:"bank"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

type ApprovalDTO struct {
	Withdrawal withdrawal.Withdrawal `json:"withdrawal"`
	Balance    BalanceDTO            `json:"balance"`
	Fee        *FeeDTO               `json:"fee,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// INSURANCE
// =============================================================================

type EnrollRequest struct {
	StudentID      string          `json:"student_id"`
	Provider       string          `json:"provider"`
	PolicyNumber   string          `json:"policy_number"`
	CoverageAmount decimal.Decimal `json:"coverage_amount"`
	PremiumAmount  int64           `json:"premium_amount"`
	StartDate      string          `json:"start_date,omitempty"`
	ExpiryDate     string          `json:"expiry_date"`
}

type PremiumRequest struct {
	Period string `json:"period"`
}

type ChargeDTO struct {
	PolicyID    string     `json:"policy_id"`
	Receipt     ReceiptDTO `json:"receipt"`
	FromReserve bool       `json:"from_reserve"`
}

type ReserveRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}
