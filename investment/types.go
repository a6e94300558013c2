/*
Package investment covers the investment side of a student's points: the
admin-configured Investment Settings, the monthly Auto-Investment Sweeper,
and the lifecycle of each Investment record up to maturity or liquidation.

LIFECYCLE:
  active ──▶ completed   (maturity reached, principal + return to available)
     │
     ├──▶ withdrawn      (liquidated early by an admin at current value)
     │
     └──▶ failed         (vehicle failed, principal returned)

  Every exit moves points from invested back to available with a
  refund/investment transfer, plus earned/investment for a gain or
  penalty/investment for a loss.

SEE ALSO:
  - sweeper.go: Monthly batch that creates investments
  - service.go: Manual investments, maturity and liquidation
*/
package investment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// INVESTMENT
// =============================================================================

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusWithdrawn Status = "withdrawn"
)

type Investment struct {
	ID             string
	StudentID      points.StudentID
	Amount         points.Points
	Platform       string
	Type           string // conservative / moderate / aggressive, free-form
	Status         Status
	InvestmentDate time.Time
	MaturityDate   *time.Time
	ExpectedReturn decimal.Decimal
	CurrentValue   *decimal.Decimal
	PeriodKey      string // set for sweeper investments
	TransactionID  points.TransactionID
	CreatedBy      string
	UpdatedAt      time.Time
}

// Filter narrows ListInvestments. Zero values match everything.
type Filter struct {
	StudentID points.StudentID
	Status    Status
	MaturesBy time.Time
	PeriodKey string
}

// SweepMarker records that a student was swept in a period.
type SweepMarker struct {
	StudentID    points.StudentID
	PeriodKey    string
	InvestmentID string
	Amount       points.Points
	CreatedAt    time.Time
}

// ErrAlreadySwept is returned by MarkSwept for an existing (student, period).
var ErrAlreadySwept = errors.New("student already swept for period")

// =============================================================================
// STORE
// =============================================================================

// Store persists investments alongside the ledger. All methods honour the
// atomic unit carried in ctx (see points.Store.InTx).
type Store interface {
	points.Store

	MarkSwept(ctx context.Context, m SweepMarker) error
	IsSwept(ctx context.Context, studentID points.StudentID, periodKey string) (bool, error)

	InsertInvestment(ctx context.Context, inv Investment) error
	GetInvestment(ctx context.Context, id string) (*Investment, error)

	// UpdateInvestment writes inv if the stored status is still from,
	// otherwise returns points.ErrInvalidTransition.
	UpdateInvestment(ctx context.Context, inv Investment, from Status) error

	ListInvestments(ctx context.Context, f Filter) ([]Investment, error)
}
