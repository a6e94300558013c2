package purchase

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/points-engine/points"
)

// CartItem is one requested line.
type CartItem struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// Request is a checkout command. IdempotencyKey identifies the checkout
// across client retries; one is generated when empty.
type Request struct {
	StudentID      points.StudentID
	Items          []CartItem
	IdempotencyKey string
	Actor          string
}

// Checkout is the outcome of a checkout.
type Checkout struct {
	Order     Order
	Balance   points.Balance
	Duplicate bool
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
	return &Engine{recorder: recorder, store: store, logger: logger.Named("checkout")}
}

// =============================================================================
// CATALOG
// =============================================================================

func (e *Engine) SaveItem(ctx context.Context, item CatalogItem) (CatalogItem, error) {
	if err := item.Validate(); err != nil {
		return CatalogItem{}, err
	}
	item.UpdatedAt = e.recorder.Now()
	if err := e.store.UpsertItem(ctx, item); err != nil {
		return CatalogItem{}, points.OperationFailed("save catalog item", err)
	}
	return item, nil
}

func (e *Engine) Items(ctx context.Context, vendorID string, activeOnly bool) ([]CatalogItem, error) {
	items, err := e.store.ListItems(ctx, vendorID, activeOnly)
	if err != nil {
		return nil, points.OperationFailed("list catalog", err)
	}
	return items, nil
}

// =============================================================================
// CHECKOUT
// =============================================================================

// Checkout debits the cart total from available points and creates a
// pending order.
//
// The debit commits first. The order and the stock decrements then commit
// together; if that fails, the debit is reversed with an explicit
// refund/purchase transaction, so the student's available points end where
// they started and history shows both legs. A retry that loses the race to
// insert the order for its key gets the committed order back as a duplicate.
func (e *Engine) Checkout(ctx context.Context, req Request) (Checkout, error) {
	cart, err := mergeCart(req)
	if err != nil {
		return Checkout{}, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	orderID := uuid.NewSHA1(uuid.NameSpaceURL, []byte("checkout:"+key)).String()

	if existing, err := e.store.FindOrderByKey(ctx, key); err != nil {
		return Checkout{}, points.OperationFailed("find order", err)
	} else if existing != nil {
		return e.duplicate(ctx, req.StudentID, existing)
	}

	vendor, lines, total, err := e.price(ctx, cart)
	if err != nil {
		return Checkout{}, err
	}

	debit, err := e.recorder.Record(ctx, points.Entry{
		StudentID:      req.StudentID,
		Type:           points.TxSpent,
		Category:       points.CategoryPurchase,
		Amount:         -total,
		Description:    fmt.Sprintf("Purchase from vendor %s (%d items)", vendor, len(lines)),
		ReferenceID:    orderID,
		IdempotencyKey: "checkout:" + key + ":debit",
		Actor:          req.Actor,
	})
	if err != nil {
		return Checkout{}, err
	}
	if debit.Duplicate {
		// An earlier attempt debited. If it was also reversed the key is spent.
		reversed, err := e.store.FindTransactionByKey(ctx, "checkout:"+key+":reversal")
		if err != nil {
			return Checkout{}, points.OperationFailed("find reversal", err)
		}
		if reversed != nil {
			return Checkout{}, points.Invalid("idempotency_key", "checkout %s failed earlier and was refunded, retry with a new key", key)
		}
	}

	now := e.recorder.Now()
	order := Order{
		ID:                 orderID,
		StudentID:          req.StudentID,
		VendorID:           vendor,
		Lines:              lines,
		TotalPoints:        total,
		Status:             StatusPending,
		IdempotencyKey:     key,
		DebitTransactionID: debit.Transaction.ID,
		RequestDate:        now,
		UpdatedBy:          req.Actor,
		UpdatedAt:          now,
	}

	err = e.recorder.Atomically(ctx, func(ctx context.Context) error {
		for _, l := range lines {
			ok, err := e.store.ReserveStock(ctx, l.ItemID, l.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return points.Invalid("items", "insufficient stock for %s", l.ItemID)
			}
		}
		return e.store.InsertOrder(ctx, order)
	})
	if errors.Is(err, points.ErrDuplicateIdempotencyKey) {
		// A concurrent attempt with the same key created the order first and
		// owns the debit; reversing here would refund a live order.
		existing, ferr := e.store.FindOrderByKey(ctx, key)
		if ferr != nil {
			return Checkout{}, points.OperationFailed("find order", ferr)
		}
		if existing != nil {
			return e.duplicate(ctx, req.StudentID, existing)
		}
	}
	if err != nil {
		return Checkout{}, e.reverse(ctx, order, key, err)
	}

	balance, err := e.store.GetBalance(ctx, req.StudentID)
	if err != nil {
		balance = debit.Balance
	}
	e.logger.Info("checkout completed",
		zap.String("student_id", string(req.StudentID)),
		zap.String("order_id", order.ID),
		zap.String("vendor_id", vendor),
		zap.Int64("total_points", int64(total)))
	return Checkout{Order: order, Balance: balance}, nil
}

// reverse credits back a debit whose order could not be created and
// returns the error the caller should see.
func (e *Engine) reverse(ctx context.Context, order Order, key string, cause error) error {
	// The caller's context may be what failed; the reversal must still run.
	rctx := context.WithoutCancel(ctx)
	_, err := e.recorder.Record(rctx, points.Entry{
		StudentID:      order.StudentID,
		Type:           points.TxRefund,
		Category:       points.CategoryPurchase,
		Amount:         order.TotalPoints,
		Description:    fmt.Sprintf("Checkout %s reversed: %v", order.ID, cause),
		ReferenceID:    order.ID,
		IdempotencyKey: "checkout:" + key + ":reversal",
		Actor:          order.UpdatedBy,
	})
	if err != nil {
		e.logger.Error("checkout reversal failed, manual reconciliation required",
			zap.String("student_id", string(order.StudentID)),
			zap.String("order_id", order.ID),
			zap.Int64("total_points", int64(order.TotalPoints)),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return &points.InvariantViolationError{
			StudentID: order.StudentID,
			Bucket:    string(points.BucketAvailable),
			Value:     order.TotalPoints,
			Detail:    "checkout debit could not be reversed: " + err.Error(),
		}
	}
	e.logger.Warn("checkout reversed",
		zap.String("student_id", string(order.StudentID)),
		zap.String("order_id", order.ID),
		zap.Error(cause))
	return cause
}

func (e *Engine) duplicate(ctx context.Context, studentID points.StudentID, o *Order) (Checkout, error) {
	if o.StudentID != studentID {
		return Checkout{}, points.Invalid("idempotency_key", "already used by another student")
	}
	bal, err := e.store.GetBalance(ctx, studentID)
	if err != nil {
		return Checkout{}, points.OperationFailed("load balance", err)
	}
	return Checkout{Order: *o, Balance: bal, Duplicate: true}, nil
}

// price snapshots catalog prices and checks the cart against stock.
func (e *Engine) price(ctx context.Context, cart []CartItem) (string, []Line, points.Points, error) {
	var (
		vendor string
		lines  = make([]Line, 0, len(cart))
		total  points.Points
	)
	for _, c := range cart {
		item, err := e.store.GetItem(ctx, c.ItemID)
		if err != nil {
			return "", nil, 0, points.OperationFailed("load catalog item", err)
		}
		if item == nil {
			return "", nil, 0, fmt.Errorf("catalog item %s: %w", c.ItemID, points.ErrNotFound)
		}
		if !item.Active {
			return "", nil, 0, points.Invalid("items", "item %s is not available", c.ItemID)
		}
		if vendor == "" {
			vendor = item.VendorID
		} else if vendor != item.VendorID {
			return "", nil, 0, points.Invalid("items", "all items must come from one vendor")
		}
		if item.Stock != nil && *item.Stock < c.Quantity {
			return "", nil, 0, points.Invalid("items", "insufficient stock for %s: %d left, %d requested",
				c.ItemID, *item.Stock, c.Quantity)
		}
		line := Line{ItemID: item.ID, Name: item.Name, Quantity: c.Quantity, UnitPrice: item.PricePoints}
		lines = append(lines, line)
		total += line.Total()
	}
	return vendor, lines, total, nil
}

// mergeCart validates the request and folds repeated items into one line.
func mergeCart(req Request) ([]CartItem, error) {
	if req.StudentID == "" {
		return nil, points.Invalid("student_id", "is required")
	}
	if len(req.Items) == 0 {
		return nil, points.Invalid("items", "cart is empty")
	}
	qty := map[string]int{}
	for _, it := range req.Items {
		if it.ItemID == "" {
			return nil, points.Invalid("items", "item id is required")
		}
		if it.Quantity <= 0 {
			return nil, points.Invalid("items", "quantity for %s must be positive", it.ItemID)
		}
		qty[it.ItemID] += it.Quantity
	}
	cart := make([]CartItem, 0, len(qty))
	for id, q := range qty {
		cart = append(cart, CartItem{ItemID: id, Quantity: q})
	}
	sort.Slice(cart, func(i, j int) bool { return cart[i].ItemID < cart[j].ItemID })
	return cart, nil
}

// IsInsufficientPoints reports whether a checkout failed for lack of points.
func IsInsufficientPoints(err error) bool {
	var ife *points.InsufficientFundsError
	return errors.As(err, &ife)
}
