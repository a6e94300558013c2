package purchase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/points-engine/points"
)

func (e *Engine) Order(ctx context.Context, id string) (Order, error) {
	o, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return Order{}, points.OperationFailed("get order", err)
	}
	if o == nil {
		return Order{}, fmt.Errorf("order %s: %w", id, points.ErrNotFound)
	}
	return *o, nil
}

func (e *Engine) Orders(ctx context.Context, f OrderFilter) ([]Order, error) {
	orders, err := e.store.ListOrders(ctx, f)
	if err != nil {
		return nil, points.OperationFailed("list orders", err)
	}
	return orders, nil
}

// Transition is the result of moving an order to a new status.
type Transition struct {
	Order   Order
	Balance *points.Balance // set when points were refunded
}

func (e *Engine) Approve(ctx context.Context, id, actor string) (Transition, error) {
	return e.transition(ctx, id, StatusApproved, "", actor)
}

func (e *Engine) Fulfill(ctx context.Context, id, actor string) (Transition, error) {
	return e.transition(ctx, id, StatusFulfilled, "", actor)
}

// Reject refuses a pending order and refunds it.
func (e *Engine) Reject(ctx context.Context, id, reason, actor string) (Transition, error) {
	return e.transition(ctx, id, StatusRejected, reason, actor)
}

// Cancel withdraws a pending or approved order and refunds it.
func (e *Engine) Cancel(ctx context.Context, id, reason, actor string) (Transition, error) {
	return e.transition(ctx, id, StatusCancelled, reason, actor)
}

func (e *Engine) transition(ctx context.Context, id string, to Status, reason, actor string) (Transition, error) {
	var result Transition
	err := e.recorder.Atomically(ctx, func(ctx context.Context) error {
		result = Transition{}
		found, err := e.store.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if found == nil {
			return fmt.Errorf("order %s: %w", id, points.ErrNotFound)
		}
		o := *found
		from := o.Status
		if !CanTransition(from, to) {
			return &points.TransitionError{Entity: "order", ID: id, From: string(from), To: string(to)}
		}

		now := e.recorder.Now()
		o.Status = to
		o.UpdatedBy = actor
		o.UpdatedAt = now
		if reason != "" {
			o.Reason = reason
		}
		switch to {
		case StatusApproved:
			o.ApprovedDate = &now
		case StatusFulfilled:
			o.FulfilledDate = &now
		}

		if refunds(to) {
			receipt, err := e.recorder.Post(ctx, points.Entry{
				StudentID:      o.StudentID,
				Type:           points.TxRefund,
				Category:       points.CategoryPurchase,
				Amount:         o.TotalPoints,
				Description:    fmt.Sprintf("Refund for %s order %s", to, o.ID),
				ReferenceID:    o.ID,
				IdempotencyKey: "order:" + o.ID + ":refund",
				Actor:          actor,
			})
			if err != nil {
				return err
			}
			for _, l := range o.Lines {
				if err := e.store.ReleaseStock(ctx, l.ItemID, l.Quantity); err != nil {
					return err
				}
			}
			o.RefundTransactionID = receipt.Transaction.ID
			bal := receipt.Balance
			result.Balance = &bal
		}

		if err := e.store.UpdateOrder(ctx, o, from); err != nil {
			if errors.Is(err, points.ErrInvalidTransition) {
				return &points.TransitionError{Entity: "order", ID: id, From: string(from), To: string(to)}
			}
			return err
		}
		result.Order = o
		return nil
	})
	if err != nil {
		return Transition{}, err
	}

	e.logger.Info("order status changed",
		zap.String("order_id", id),
		zap.String("student_id", string(result.Order.StudentID)),
		zap.String("status", string(to)),
		zap.Bool("refunded", result.Balance != nil))
	return result, nil
}
