/*
Package withdrawal implements the Withdrawal Engine: converting available
points to cash on a student's request, subject to admin approval.

LIFECYCLE:
  pending ──▶ approved ──▶ processed
     │
     └──▶ rejected

BALANCE RULES:
  - Request validates bounds and available points but does NOT debit.
    The points stay spendable until approval, so a rejection needs no
    refund.
  - Approve debits available exactly once (withdrawn/withdrawal, keyed by
    the request id), then applies the withdrawal fee to the cash amount.
  - If the student no longer has the points at approval time, approval is
    refused with a ValidationError and the request stays pending.
  - Reject and MarkProcessed never touch the balance.
*/
package withdrawal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/points"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusProcessed Status = "processed"
)

type Category string

const (
	CategoryEmergency Category = "emergency"
	CategoryEducation Category = "education"
	CategoryHealth    Category = "health"
	CategoryPersonal  Category = "personal"
	CategoryOther     Category = "other"
)

func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryEmergency, CategoryEducation, CategoryHealth, CategoryPersonal, CategoryOther:
		return c, nil
	case "":
		return CategoryOther, nil
	}
	return "", points.Invalid("category", "unknown withdrawal category %q", s)
}

// BankDetails is where the cash goes. It is stored, never interpreted.
type BankDetails struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
	RoutingNumber string `json:"routing_number,omitempty"`
}

type Withdrawal struct {
	ID             string               `json:"id"`
	StudentID      points.StudentID     `json:"student_id"`
	Amount         points.Points        `json:"amount"`
	ConversionRate decimal.Decimal      `json:"conversion_rate"`
	CashAmount     decimal.Decimal      `json:"cash_amount"`
	FeePercent     decimal.Decimal      `json:"fee_percent"`
	FeeAmount      decimal.Decimal      `json:"fee_amount"`
	NetCashAmount  decimal.Decimal      `json:"net_cash_amount"`
	Category       Category             `json:"category"`
	Status         Status               `json:"status"`
	Bank           BankDetails          `json:"bank"`
	Reason         string               `json:"reason,omitempty"`
	TransactionID  points.TransactionID `json:"transaction_id,omitempty"`
	RequestDate    time.Time            `json:"request_date"`
	ApprovedDate   *time.Time           `json:"approved_date,omitempty"`
	ProcessedDate  *time.Time           `json:"processed_date,omitempty"`
	ReviewedBy     string               `json:"reviewed_by,omitempty"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

type Filter struct {
	StudentID points.StudentID
	Status    Status
}

// Store persists withdrawal requests. Methods join the atomic unit
// carried in ctx.
type Store interface {
	points.Store
	points.FeeStore

	InsertWithdrawal(ctx context.Context, w Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)

	// UpdateWithdrawal writes w if the stored status is still from,
	// otherwise returns points.ErrInvalidTransition.
	UpdateWithdrawal(ctx context.Context, w Withdrawal, from Status) error
	ListWithdrawals(ctx context.Context, f Filter) ([]Withdrawal, error)
}

// =============================================================================
// SETTINGS
// =============================================================================

var hundred = decimal.NewFromInt(100)

// Settings are the admin-configured withdrawal parameters.
type Settings struct {
	ConversionRate decimal.Decimal `json:"conversion_rate"` // cash per point
	MinAmount      points.Points   `json:"min_withdrawal_amount"`
	MaxAmount      points.Points   `json:"max_withdrawal_amount"`
	FeePercent     decimal.Decimal `json:"withdrawal_fee_percentage"`
}

func DefaultSettings() Settings {
	return Settings{
		ConversionRate: decimal.RequireFromString("0.001"),
		MinAmount:      1000,
		MaxAmount:      1000000,
		FeePercent:     decimal.NewFromInt(2),
	}
}

func (s Settings) Validate() error {
	switch {
	case !s.ConversionRate.IsPositive():
		return points.Invalid("conversion_rate", "must be positive")
	case s.MinAmount <= 0:
		return points.Invalid("min_withdrawal_amount", "must be positive")
	case s.MaxAmount < s.MinAmount:
		return points.Invalid("max_withdrawal_amount", "must not be below the minimum")
	case s.FeePercent.IsNegative() || s.FeePercent.GreaterThan(hundred):
		return points.Invalid("withdrawal_fee_percentage", "must be between 0 and 100")
	}
	return nil
}

// Cash converts points to money at rate, rounded to cents.
func Cash(amount points.Points, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(amount)).Mul(rate).Round(2)
}

// Fee splits a cash amount into the fee and what the student receives.
func Fee(cash, percent decimal.Decimal) (fee, net decimal.Decimal) {
	fee = cash.Mul(percent).Div(hundred).Round(2)
	return fee, cash.Sub(fee)
}
