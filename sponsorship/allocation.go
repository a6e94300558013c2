/*
Package sponsorship implements the Allocation Engine: turning a donor's
monthly sponsorship into points for the sponsored student.

FLOW:
  1. Management-Fee Skimmer: ManagementFeePercent of the monetary amount is
     retained by the platform (fee.go)
  2. The remaining money is converted at PointsPerDollar and credited as
     earned/sponsorship through the Recorder
  3. The fee is appended to the platform fee ledger in the same atomic unit,
     so total fees collected can always be rebuilt from history

EXAMPLE:
  $50/month, 1000 points per $1, 20% fee
    fee    = $10    -> fee ledger (10000 points equivalent)
    net    = $40    -> 40000 points earned/sponsorship

IDEMPOTENCY:
  A monthly allocation is keyed "allocation:<sponsorship>:<period>" unless
  the caller supplies its own key. Re-running the same allocation returns
  the original posting and does not charge a second fee.
*/
package sponsorship

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/points-engine/points"
)

// Settings are the admin-configured allocation parameters.
type Settings struct {
	PointsPerDollar      decimal.Decimal `json:"monthly_points_per_dollar"`
	ManagementFeePercent decimal.Decimal `json:"management_fee_percentage"`
}

func DefaultSettings() Settings {
	return Settings{
		PointsPerDollar:      decimal.NewFromInt(1000),
		ManagementFeePercent: decimal.NewFromInt(20),
	}
}

func (s Settings) Validate() error {
	if !s.PointsPerDollar.IsPositive() {
		return points.Invalid("monthly_points_per_dollar", "must be positive")
	}
	if s.ManagementFeePercent.IsNegative() || s.ManagementFeePercent.GreaterThan(hundred) {
		return points.Invalid("management_fee_percentage", "must be between 0 and 100")
	}
	return nil
}

// Request is one sponsorship allocation.
type Request struct {
	StudentID      points.StudentID
	DonorID        string
	SponsorshipID  string
	MonthlyAmount  decimal.Decimal
	Period         string // YYYY-MM; required unless IdempotencyKey is set
	IdempotencyKey string
	Actor          string
}

// Allocation is the outcome of Allocate.
type Allocation struct {
	Transaction    points.Transaction
	Balance        points.Balance
	Fee            *points.Fee
	GrossAmount    decimal.Decimal
	NetAmount      decimal.Decimal
	FeeAmount      decimal.Decimal
	PointsCredited points.Points
	Duplicate      bool
}

type Engine struct {
	recorder *points.Recorder
	fees     points.FeeStore
	logger   *zap.Logger
}

func NewEngine(recorder *points.Recorder, fees points.FeeStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{recorder: recorder, fees: fees, logger: logger.Named("allocation")}
}

// Allocate credits the student with the sponsorship net of the management fee.
func (e *Engine) Allocate(ctx context.Context, req Request, settings Settings) (Allocation, error) {
	if err := settings.Validate(); err != nil {
		return Allocation{}, err
	}
	if err := req.validate(); err != nil {
		return Allocation{}, err
	}

	net, fee := Skim(req.MonthlyAmount, settings.ManagementFeePercent)
	credited := ToPoints(net, settings.PointsPerDollar)
	if credited <= 0 {
		return Allocation{}, points.Invalid("monthly_amount", "converts to no points after the management fee")
	}

	key := req.IdempotencyKey
	if key == "" && req.Period != "" {
		key = fmt.Sprintf("allocation:%s:%s", req.SponsorshipID, req.Period)
	}

	result := Allocation{
		GrossAmount:    req.MonthlyAmount,
		NetAmount:      net,
		FeeAmount:      fee,
		PointsCredited: credited,
	}

	err := e.recorder.Atomically(ctx, func(ctx context.Context) error {
		receipt, err := e.recorder.Post(ctx, points.Entry{
			StudentID:      req.StudentID,
			Type:           points.TxEarned,
			Category:       points.CategorySponsorship,
			Amount:         credited,
			Description:    describe(req),
			ReferenceID:    req.SponsorshipID,
			IdempotencyKey: key,
			Actor:          req.Actor,
		})
		if err != nil {
			return err
		}
		result.Transaction = receipt.Transaction
		result.Balance = receipt.Balance
		result.Duplicate = receipt.Duplicate
		if receipt.Duplicate || fee.IsZero() {
			return nil
		}

		record := points.Fee{
			ID:          uuid.NewString(),
			Kind:        points.FeeManagement,
			StudentID:   req.StudentID,
			SourceID:    req.SponsorshipID,
			ReferenceID: string(receipt.Transaction.ID),
			Percent:     settings.ManagementFeePercent.String(),
			Gross:       req.MonthlyAmount.StringFixed(2),
			Amount:      fee.StringFixed(2),
			Points:      ToPoints(fee, settings.PointsPerDollar),
			CreatedAt:   receipt.Transaction.CreatedAt,
		}
		if err := e.fees.AppendFee(ctx, record); err != nil {
			return err
		}
		result.Fee = &record
		return nil
	})
	if err != nil {
		return Allocation{}, err
	}

	e.logger.Info("sponsorship allocated",
		zap.String("student_id", string(req.StudentID)),
		zap.String("sponsorship_id", req.SponsorshipID),
		zap.String("gross", req.MonthlyAmount.StringFixed(2)),
		zap.String("fee", fee.StringFixed(2)),
		zap.Int64("points", int64(credited)),
		zap.Bool("duplicate", result.Duplicate))
	return result, nil
}

func (r Request) validate() error {
	switch {
	case r.StudentID == "":
		return points.Invalid("student_id", "is required")
	case r.DonorID == "":
		return points.Invalid("donor_id", "is required")
	case r.SponsorshipID == "":
		return points.Invalid("sponsorship_id", "is required")
	case !r.MonthlyAmount.IsPositive():
		return points.Invalid("monthly_amount", "must be positive")
	case r.Period == "" && r.IdempotencyKey == "":
		return points.Invalid("period", "is required when no idempotency key is given")
	}
	return nil
}

func describe(r Request) string {
	d := fmt.Sprintf("Sponsorship %s from donor %s", r.SponsorshipID, r.DonorID)
	if r.Period != "" {
		d += " for " + r.Period
	}
	return d
}

// =============================================================================
// FEE REPORTING
// =============================================================================

// FeeTotals sums the platform fee ledger.
type FeeTotals struct {
	Count  int
	Amount decimal.Decimal
	Points points.Points
	ByKind map[points.FeeKind]decimal.Decimal
}

// TotalFees rebuilds fees collected from the fee ledger. kind "" means all.
func TotalFees(ctx context.Context, store points.FeeStore, kind points.FeeKind) (FeeTotals, []points.Fee, error) {
	fees, err := store.ListFees(ctx, kind)
	if err != nil {
		return FeeTotals{}, nil, points.OperationFailed("list fees", err)
	}
	totals := FeeTotals{Amount: decimal.Zero, ByKind: map[points.FeeKind]decimal.Decimal{}}
	for _, f := range fees {
		amount, err := decimal.NewFromString(f.Amount)
		if err != nil {
			return FeeTotals{}, nil, fmt.Errorf("fee %s has malformed amount %q: %w", f.ID, f.Amount, err)
		}
		totals.Count++
		totals.Amount = totals.Amount.Add(amount)
		totals.Points += f.Points
		totals.ByKind[f.Kind] = totals.ByKind[f.Kind].Add(amount)
	}
	return totals, fees, nil
}
