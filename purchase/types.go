/*
Package purchase implements the catalog and the Purchase/Checkout Engine.

ORDER LIFECYCLE:
  pending ──▶ approved ──▶ fulfilled
     │            │
     ├──▶ rejected└──▶ cancelled
     └──▶ cancelled

  rejected and cancelled orders are refunded in full with one
  refund/purchase transaction, and tracked stock is put back.

PRICE SNAPSHOT:
  An order's lines copy the catalog price at checkout. Later catalog price
  changes never alter an existing order or its refund.

SEE ALSO:
  - checkout.go: The debit / order / stock sequence
  - orders.go: Approve, reject, cancel, fulfill
*/
package purchase

import (
	"context"
	"time"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// CATALOG
// =============================================================================

type CatalogItem struct {
	ID          string        `json:"id"`
	VendorID    string        `json:"vendor_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	PricePoints points.Points `json:"price_points"`
	Stock       *int          `json:"stock,omitempty"` // nil: not tracked
	Active      bool          `json:"active"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (c CatalogItem) Validate() error {
	switch {
	case c.ID == "":
		return points.Invalid("id", "is required")
	case c.VendorID == "":
		return points.Invalid("vendor_id", "is required")
	case c.Name == "":
		return points.Invalid("name", "is required")
	case c.PricePoints <= 0:
		return points.Invalid("price_points", "must be positive")
	case c.Stock != nil && *c.Stock < 0:
		return points.Invalid("stock", "must not be negative")
	}
	return nil
}

// =============================================================================
// ORDERS
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved: {StatusFulfilled, StatusCancelled},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// refunds reports whether entering s gives the points back.
func refunds(s Status) bool { return s == StatusRejected || s == StatusCancelled }

// Line is one ordered item with the price at purchase time.
type Line struct {
	ItemID    string        `json:"item_id"`
	Name      string        `json:"name"`
	Quantity  int           `json:"quantity"`
	UnitPrice points.Points `json:"unit_price"`
}

func (l Line) Total() points.Points { return l.UnitPrice * points.Points(l.Quantity) }

type Order struct {
	ID                  string               `json:"id"`
	StudentID           points.StudentID     `json:"student_id"`
	VendorID            string               `json:"vendor_id"`
	Lines               []Line               `json:"lines"`
	TotalPoints         points.Points        `json:"total_points"`
	Status              Status               `json:"status"`
	IdempotencyKey      string               `json:"idempotency_key,omitempty"`
	DebitTransactionID  points.TransactionID `json:"debit_transaction_id"`
	RefundTransactionID points.TransactionID `json:"refund_transaction_id,omitempty"`
	Reason              string               `json:"reason,omitempty"`
	RequestDate         time.Time            `json:"request_date"`
	ApprovedDate        *time.Time           `json:"approved_date,omitempty"`
	FulfilledDate       *time.Time           `json:"fulfilled_date,omitempty"`
	UpdatedBy           string               `json:"updated_by,omitempty"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

type OrderFilter struct {
	StudentID points.StudentID
	VendorID  string
	Status    Status
}

// =============================================================================
// STORE
// =============================================================================

// Store persists the catalog and orders. Methods join the atomic unit
// carried in ctx.
type Store interface {
	points.Store

	UpsertItem(ctx context.Context, item CatalogItem) error
	GetItem(ctx context.Context, id string) (*CatalogItem, error)
	ListItems(ctx context.Context, vendorID string, activeOnly bool) ([]CatalogItem, error)

	// ReserveStock takes qty units of a tracked item if that many remain
	// and reports whether it did. Untracked items always succeed.
	ReserveStock(ctx context.Context, itemID string, qty int) (bool, error)
	ReleaseStock(ctx context.Context, itemID string, qty int) error

	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	FindOrderByKey(ctx context.Context, key string) (*Order, error)

	// UpdateOrder writes o if the stored status is still from, otherwise
	// returns points.ErrInvalidTransition. Lines are immutable.
	UpdateOrder(ctx context.Context, o Order, from Status) error
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, error)
}
