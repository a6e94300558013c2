package investment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/points-engine/points"
)

// InvestRequest is an admin-initiated investment outside the sweep.
type InvestRequest struct {
	StudentID          points.StudentID
	Amount             points.Points
	Platform           string
	Type               string
	ExpectedReturnRate decimal.Decimal
	MaturityDays       int
	IdempotencyKey     string
	Actor              string
}

// Result pairs an investment with the balance after the operation.
type Result struct {
	Investment Investment
	Balance    points.Balance
}

// MaturityReport is the outcome of Mature.
type MaturityReport struct {
	Completed []Investment `json:"completed"`
	Failures  []Failure    `json:"failures"`
}

// Service manages investments after creation: manual investments,
// maturity, early liquidation and failure.
type Service struct {
	recorder *points.Recorder
	store    Store
	logger   *zap.Logger
	metrics  *Metrics
}

func NewService(recorder *points.Recorder, store Store, logger *zap.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{recorder: recorder, store: store, logger: logger.Named("investments"), metrics: metrics}
}

func (s *Service) Get(ctx context.Context, id string) (Investment, error) {
	inv, err := s.store.GetInvestment(ctx, id)
	if err != nil {
		return Investment{}, points.OperationFailed("get investment", err)
	}
	if inv == nil {
		return Investment{}, fmt.Errorf("investment %s: %w", id, points.ErrNotFound)
	}
	return *inv, nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]Investment, error) {
	invs, err := s.store.ListInvestments(ctx, f)
	if err != nil {
		return nil, points.OperationFailed("list investments", err)
	}
	return invs, nil
}

// Invest moves amount from available to invested and opens an investment.
// With an idempotency key, repeating the request returns the original.
func (s *Service) Invest(ctx context.Context, req InvestRequest) (Result, error) {
	switch {
	case req.StudentID == "":
		return Result{}, points.Invalid("student_id", "is required")
	case req.Amount <= 0:
		return Result{}, points.Invalid("amount", "must be positive")
	case req.MaturityDays < 0:
		return Result{}, points.Invalid("maturity_days", "must not be negative")
	}

	id := uuid.NewString()
	key := ""
	if req.IdempotencyKey != "" {
		key = "investment:manual:" + req.IdempotencyKey
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
	}

	var result Result
	err := s.recorder.Atomically(ctx, func(ctx context.Context) error {
		now := s.recorder.Now()
		receipt, err := s.recorder.Post(ctx, points.Entry{
			StudentID:      req.StudentID,
			Type:           points.TxInvested,
			Category:       points.CategoryInvestment,
			Amount:         req.Amount,
			Bucket:         points.BucketInvested,
			Source:         points.BucketAvailable,
			Description:    fmt.Sprintf("Investment in %s (%s)", req.Platform, req.Type),
			ReferenceID:    id,
			IdempotencyKey: key,
			Actor:          req.Actor,
			Date:           now,
		})
		if err != nil {
			return err
		}
		result.Balance = receipt.Balance
		if receipt.Duplicate {
			inv, err := s.store.GetInvestment(ctx, id)
			if err != nil {
				return err
			}
			if inv == nil {
				return fmt.Errorf("investment %s for key %q: %w", id, req.IdempotencyKey, points.ErrNotFound)
			}
			result.Investment = *inv
			return nil
		}

		inv := Investment{
			ID:             id,
			StudentID:      req.StudentID,
			Amount:         req.Amount,
			Platform:       req.Platform,
			Type:           req.Type,
			Status:         StatusActive,
			InvestmentDate: now,
			MaturityDate:   maturity(now, req.MaturityDays),
			ExpectedReturn: ExpectedReturn(req.Amount, req.ExpectedReturnRate),
			TransactionID:  receipt.Transaction.ID,
			CreatedBy:      req.Actor,
			UpdatedAt:      now,
		}
		if err := s.store.InsertInvestment(ctx, inv); err != nil {
			return err
		}
		result.Investment = inv
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("investment opened",
		zap.String("student_id", string(req.StudentID)),
		zap.String("investment_id", result.Investment.ID),
		zap.Int64("amount", int64(req.Amount)))
	return result, nil
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// Mature completes every active investment whose maturity date is on or
// before asOf at its expected return. Each investment settles in its own
// atomic unit; failures are collected.
func (s *Service) Mature(ctx context.Context, asOf time.Time) (MaturityReport, error) {
	due, err := s.store.ListInvestments(ctx, Filter{Status: StatusActive, MaturesBy: asOf})
	if err != nil {
		return MaturityReport{}, points.OperationFailed("list investments", err)
	}
	report := MaturityReport{Completed: []Investment{}, Failures: []Failure{}}
	for _, inv := range due {
		res, err := s.settle(ctx, inv.ID, StatusCompleted, nil, "system:maturity")
		if err != nil {
			report.Failures = append(report.Failures, Failure{StudentID: inv.StudentID, Error: err.Error(), err: err})
			s.logger.Warn("investment maturity failed",
				zap.String("investment_id", inv.ID),
				zap.String("student_id", string(inv.StudentID)),
				zap.Error(err))
			continue
		}
		report.Completed = append(report.Completed, res.Investment)
	}
	if err := ctx.Err(); err != nil {
		return report, points.OperationFailed("mature investments", err)
	}
	return report, nil
}

// Liquidate closes an active investment early at currentValue points.
func (s *Service) Liquidate(ctx context.Context, id string, currentValue decimal.Decimal, actor string) (Result, error) {
	if currentValue.IsNegative() {
		return Result{}, points.Invalid("current_value", "must not be negative")
	}
	return s.settle(ctx, id, StatusWithdrawn, &currentValue, actor)
}

// MarkFailed closes an active investment whose vehicle failed. The
// principal is returned to available.
func (s *Service) MarkFailed(ctx context.Context, id string, actor string) (Result, error) {
	return s.settle(ctx, id, StatusFailed, nil, actor)
}

// settle moves the principal back to available and books the difference
// between value and principal as a gain or loss. A nil value means the
// expected return for completions and the principal for failures.
func (s *Service) settle(ctx context.Context, id string, status Status, value *decimal.Decimal, actor string) (Result, error) {
	var result Result
	err := s.recorder.Atomically(ctx, func(ctx context.Context) error {
		found, err := s.store.GetInvestment(ctx, id)
		if err != nil {
			return err
		}
		if found == nil {
			return fmt.Errorf("investment %s: %w", id, points.ErrNotFound)
		}
		inv := *found
		if inv.Status != StatusActive {
			return &points.TransitionError{Entity: "investment", ID: id, From: string(inv.Status), To: string(status)}
		}

		final := decimal.NewFromInt(int64(inv.Amount))
		switch {
		case value != nil:
			final = *value
		case status == StatusCompleted:
			final = inv.ExpectedReturn
		}
		worth := points.Points(final.Floor().IntPart())

		base := points.Entry{
			StudentID:   inv.StudentID,
			Category:    points.CategoryInvestment,
			ReferenceID: inv.ID,
			Actor:       actor,
		}

		principal := base
		principal.Type = points.TxRefund
		principal.Amount = inv.Amount
		principal.Bucket, principal.Source = points.BucketAvailable, points.BucketInvested
		principal.Description = fmt.Sprintf("Investment %s %s: principal returned", inv.ID, status)
		principal.IdempotencyKey = "investment:" + inv.ID + ":principal"
		receipt, err := s.recorder.Post(ctx, principal)
		if err != nil {
			return err
		}
		result.Balance = receipt.Balance

		if diff := worth - inv.Amount; diff != 0 {
			adj := base
			if diff > 0 {
				adj.Type = points.TxEarned
				adj.Description = fmt.Sprintf("Investment %s return", inv.ID)
				adj.IdempotencyKey = "investment:" + inv.ID + ":gain"
			} else {
				adj.Type = points.TxPenalty
				adj.Description = fmt.Sprintf("Investment %s loss", inv.ID)
				adj.IdempotencyKey = "investment:" + inv.ID + ":loss"
			}
			adj.Amount = diff
			if receipt, err = s.recorder.Post(ctx, adj); err != nil {
				return err
			}
			result.Balance = receipt.Balance
		}

		inv.Status = status
		inv.CurrentValue = &final
		inv.UpdatedAt = s.recorder.Now()
		if err := s.store.UpdateInvestment(ctx, inv, StatusActive); err != nil {
			if errors.Is(err, points.ErrInvalidTransition) {
				return &points.TransitionError{Entity: "investment", ID: id, From: string(StatusActive), To: string(status)}
			}
			return err
		}
		result.Investment = inv
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	s.metrics.observeSettled(status)
	s.logger.Info("investment settled",
		zap.String("investment_id", id),
		zap.String("student_id", string(result.Investment.StudentID)),
		zap.String("status", string(status)),
		zap.String("value", result.Investment.CurrentValue.String()))
	return result, nil
}
