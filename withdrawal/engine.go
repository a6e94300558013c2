package withdrawal

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/points-engine/points"
)

// NewRequest is a student's withdrawal command. IdempotencyKey identifies
// the request across client retries.
type NewRequest struct {
	StudentID      points.StudentID
	Amount         points.Points
	Category       Category
	Bank           BankDetails
	IdempotencyKey string
	Actor          string
}

// Submission is the outcome of Request.
type Submission struct {
	Withdrawal Withdrawal
	Duplicate  bool
}

type Engine struct {
	recorder *points.Recorder
	store    Store
	logger   *zap.Logger
}

func NewEngine(recorder *points.Recorder, store Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{recorder: recorder, store: store, logger: logger.Named("withdrawal")}
}

func (e *Engine) Get(ctx context.Context, id string) (Withdrawal, error) {
	w, err := e.store.GetWithdrawal(ctx, id)
	if err != nil {
		return Withdrawal{}, points.OperationFailed("get withdrawal", err)
	}
	if w == nil {
		return Withdrawal{}, fmt.Errorf("withdrawal %s: %w", id, points.ErrNotFound)
	}
	return *w, nil
}

func (e *Engine) List(ctx context.Context, f Filter) ([]Withdrawal, error) {
	ws, err := e.store.ListWithdrawals(ctx, f)
	if err != nil {
		return nil, points.OperationFailed("list withdrawals", err)
	}
	return ws, nil
}

// Request creates a pending withdrawal. Available points are checked but
// not debited. A retry with the same idempotency key returns the request
// created first.
func (e *Engine) Request(ctx context.Context, req NewRequest, settings Settings) (Submission, error) {
	if err := settings.Validate(); err != nil {
		return Submission{}, err
	}
	if req.StudentID == "" {
		return Submission{}, points.Invalid("student_id", "is required")
	}
	id := uuid.NewString()
	if req.IdempotencyKey != "" {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte("withdrawal:"+req.IdempotencyKey)).String()
		if existing, err := e.store.GetWithdrawal(ctx, id); err != nil {
			return Submission{}, points.OperationFailed("find withdrawal", err)
		} else if existing != nil {
			return duplicateRequest(req, existing)
		}
	}

	category, err := ParseCategory(string(req.Category))
	if err != nil {
		return Submission{}, err
	}
	if req.Amount < settings.MinAmount || req.Amount > settings.MaxAmount {
		return Submission{}, points.Invalid("amount", "must be between %d and %d points", settings.MinAmount, settings.MaxAmount)
	}

	bal, err := e.store.GetBalance(ctx, req.StudentID)
	if err != nil {
		return Submission{}, points.OperationFailed("load balance", err)
	}
	if req.Amount > bal.Available {
		return Submission{}, &points.InsufficientFundsError{
			StudentID: req.StudentID,
			Bucket:    points.BucketAvailable,
			Available: bal.Available,
			Requested: req.Amount,
		}
	}

	now := e.recorder.Now()
	w := Withdrawal{
		ID:             id,
		StudentID:      req.StudentID,
		Amount:         req.Amount,
		ConversionRate: settings.ConversionRate,
		CashAmount:     Cash(req.Amount, settings.ConversionRate),
		Category:       category,
		Status:         StatusPending,
		Bank:           req.Bank,
		RequestDate:    now,
		UpdatedAt:      now,
	}
	if err := e.store.InsertWithdrawal(ctx, w); err != nil {
		if errors.Is(err, points.ErrDuplicateIdempotencyKey) {
			// A concurrent retry inserted first.
			existing, ferr := e.store.GetWithdrawal(ctx, id)
			if ferr != nil {
				return Submission{}, points.OperationFailed("find withdrawal", ferr)
			}
			if existing != nil {
				return duplicateRequest(req, existing)
			}
		}
		return Submission{}, points.OperationFailed("create withdrawal", err)
	}
	e.logger.Info("withdrawal requested",
		zap.String("student_id", string(w.StudentID)),
		zap.String("withdrawal_id", w.ID),
		zap.Int64("amount", int64(w.Amount)),
		zap.String("cash", w.CashAmount.StringFixed(2)))
	return Submission{Withdrawal: w}, nil
}

func duplicateRequest(req NewRequest, existing *Withdrawal) (Submission, error) {
	if existing.StudentID != req.StudentID || existing.Amount != req.Amount {
		return Submission{}, points.Invalid("idempotency_key", "already used for a different withdrawal")
	}
	return Submission{Withdrawal: *existing, Duplicate: true}, nil
}

// Approval is the outcome of Approve.
type Approval struct {
	Withdrawal Withdrawal
	Balance    points.Balance
	Fee        *points.Fee
}

// Approve debits the points and fixes the fee and net cash amount.
func (e *Engine) Approve(ctx context.Context, id, actor string, settings Settings) (Approval, error) {
	if err := settings.Validate(); err != nil {
		return Approval{}, err
	}

	var result Approval
	err := e.recorder.Atomically(ctx, func(ctx context.Context) error {
		result = Approval{}
		w, err := e.load(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != StatusPending {
			return &points.TransitionError{Entity: "withdrawal", ID: id, From: string(w.Status), To: string(StatusApproved)}
		}

		receipt, err := e.recorder.Post(ctx, points.Entry{
			StudentID:      w.StudentID,
			Type:           points.TxWithdrawn,
			Category:       points.CategoryWithdrawal,
			Amount:         -w.Amount,
			Description:    fmt.Sprintf("Withdrawal %s (%s)", w.ID, w.Category),
			ReferenceID:    w.ID,
			IdempotencyKey: "withdrawal:" + w.ID + ":approve",
			Actor:          actor,
		})
		if err != nil {
			var short *points.InsufficientFundsError
			if errors.As(err, &short) {
				return points.Invalid("amount", "student has %d available points, withdrawal needs %d",
					short.Available, short.Requested)
			}
			return err
		}

		now := e.recorder.Now()
		w.FeePercent = settings.FeePercent
		w.FeeAmount, w.NetCashAmount = Fee(w.CashAmount, settings.FeePercent)
		w.Status = StatusApproved
		w.TransactionID = receipt.Transaction.ID
		w.ApprovedDate = &now
		w.ReviewedBy = actor
		w.UpdatedAt = now
		if err := e.store.UpdateWithdrawal(ctx, w, StatusPending); err != nil {
			return e.conflict(err, id, StatusApproved)
		}

		if w.FeeAmount.IsPositive() {
			fee := points.Fee{
				ID:          uuid.NewString(),
				Kind:        points.FeeWithdrawal,
				StudentID:   w.StudentID,
				SourceID:    w.ID,
				ReferenceID: string(receipt.Transaction.ID),
				Percent:     settings.FeePercent.String(),
				Gross:       w.CashAmount.StringFixed(2),
				Amount:      w.FeeAmount.StringFixed(2),
				Points:      points.Points(w.FeeAmount.Div(w.ConversionRate).Floor().IntPart()),
				CreatedAt:   now,
			}
			if err := e.store.AppendFee(ctx, fee); err != nil {
				return err
			}
			result.Fee = &fee
		}
		result.Withdrawal = w
		result.Balance = receipt.Balance
		return nil
	})
	if err != nil {
		return Approval{}, err
	}

	e.logger.Info("withdrawal approved",
		zap.String("withdrawal_id", id),
		zap.String("student_id", string(result.Withdrawal.StudentID)),
		zap.Int64("amount", int64(result.Withdrawal.Amount)),
		zap.String("net_cash", result.Withdrawal.NetCashAmount.StringFixed(2)))
	return result, nil
}

// Reject refuses a pending request. The balance is untouched.
func (e *Engine) Reject(ctx context.Context, id, reason, actor string) (Withdrawal, error) {
	if reason == "" {
		return Withdrawal{}, points.Invalid("reason", "is required")
	}
	return e.move(ctx, id, StatusPending, StatusRejected, func(w *Withdrawal) {
		w.Reason = reason
		w.ReviewedBy = actor
	})
}

// MarkProcessed records that an approved withdrawal was paid out.
func (e *Engine) MarkProcessed(ctx context.Context, id, actor string) (Withdrawal, error) {
	return e.move(ctx, id, StatusApproved, StatusProcessed, func(w *Withdrawal) {
		now := e.recorder.Now()
		w.ProcessedDate = &now
		if w.ReviewedBy == "" {
			w.ReviewedBy = actor
		}
	})
}

func (e *Engine) move(ctx context.Context, id string, from, to Status, mutate func(*Withdrawal)) (Withdrawal, error) {
	var out Withdrawal
	err := e.recorder.Atomically(ctx, func(ctx context.Context) error {
		w, err := e.load(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != from {
			return &points.TransitionError{Entity: "withdrawal", ID: id, From: string(w.Status), To: string(to)}
		}
		mutate(&w)
		w.Status = to
		w.UpdatedAt = e.recorder.Now()
		if err := e.store.UpdateWithdrawal(ctx, w, from); err != nil {
			return e.conflict(err, id, to)
		}
		out = w
		return nil
	})
	if err != nil {
		return Withdrawal{}, err
	}
	e.logger.Info("withdrawal status changed",
		zap.String("withdrawal_id", id),
		zap.String("status", string(to)))
	return out, nil
}

func (e *Engine) load(ctx context.Context, id string) (Withdrawal, error) {
	w, err := e.store.GetWithdrawal(ctx, id)
	if err != nil {
		return Withdrawal{}, err
	}
	if w == nil {
		return Withdrawal{}, fmt.Errorf("withdrawal %s: %w", id, points.ErrNotFound)
	}
	return *w, nil
}

func (e *Engine) conflict(err error, id string, to Status) error {
	if errors.Is(err, points.ErrInvalidTransition) {
		return &points.TransitionError{Entity: "withdrawal", ID: id, From: "changed", To: string(to)}
	}
	return err
}
