package purchase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/purchase"
	"github.com/warp/points-engine/store/sqlstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// failingOrders loses every order insert, as a database outage would.
type failingOrders struct {
	*sqlstore.Store
}

func (failingOrders) InsertOrder(context.Context, purchase.Order) error {
	return errors.New("connection reset")
}

// racingOrders hides the committed order from the first lookups, as a
// concurrent retry that checked before the original attempt committed would.
type racingOrders struct {
	*sqlstore.Store
	hidden int
}

func (r *racingOrders) FindOrderByKey(ctx context.Context, key string) (*purchase.Order, error) {
	if r.hidden > 0 {
		r.hidden--
		return nil, nil
	}
	return r.Store.FindOrderByKey(ctx, key)
}

type fixture struct {
	store    *sqlstore.Store
	recorder *points.Recorder
	engine   *purchase.Engine
}

func newFixture(t *testing.T, available points.Points) *fixture {
	t.Helper()
	st, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.CreateStudent(ctx, points.Student{ID: "stu-1", Name: "Amina", Active: true, CreatedAt: time.Now()}))
	rec := points.NewRecorder(st, points.WithMetrics(points.MustNewMetrics(prometheus.NewRegistry())))
	if available > 0 {
		_, err := rec.Record(ctx, points.Entry{StudentID: "stu-1", Type: points.TxBonus, Category: points.CategoryBonus, Amount: available})
		require.NoError(t, err)
	}

	f := &fixture{store: st, recorder: rec, engine: purchase.NewEngine(rec, st, nil)}
	f.item(t, "pen", "vendor-a", 30, nil)
	stock := 5
	f.item(t, "book", "vendor-a", 100, &stock)
	f.item(t, "mug", "vendor-b", 10, nil)
	return f
}

func (f *fixture) item(t *testing.T, id, vendor string, price points.Points, stock *int) {
	t.Helper()
	_, err := f.engine.SaveItem(context.Background(), purchase.CatalogItem{
		ID: id, VendorID: vendor, Name: id, PricePoints: price, Stock: stock, Active: true,
	})
	require.NoError(t, err)
}

func (f *fixture) available(t *testing.T) points.Points {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), "stu-1")
	require.NoError(t, err)
	return b.Available
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	item, err := f.store.GetItem(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NotNil(t, item.Stock)
	return *item.Stock
}

func (f *fixture) checkout(t *testing.T, key string, items ...purchase.CartItem) purchase.Checkout {
	t.Helper()
	out, err := f.engine.Checkout(context.Background(), purchase.Request{
		StudentID: "stu-1", Items: items, IdempotencyKey: key, Actor: "stu-1",
	})
	require.NoError(t, err)
	return out
}

// =============================================================================
// CHECKOUT
// =============================================================================

func TestCheckout_DebitsAndCreatesPendingOrder(t *testing.T) {
	// GIVEN: 500 points and a cart of 2 pens and 1 book
	f := newFixture(t, 500)

	// WHEN: The student checks out
	out := f.checkout(t, "cart-1",
		purchase.CartItem{ItemID: "pen", Quantity: 1},
		purchase.CartItem{ItemID: "book", Quantity: 1},
		purchase.CartItem{ItemID: "pen", Quantity: 1})

	// THEN: 160 points are spent, lines are merged, stock is taken
	assert.Equal(t, purchase.StatusPending, out.Order.Status)
	assert.Equal(t, points.Points(160), out.Order.TotalPoints)
	assert.Equal(t, "vendor-a", out.Order.VendorID)
	require.Len(t, out.Order.Lines, 2)
	assert.Equal(t, points.Points(340), out.Balance.Available)
	assert.Equal(t, points.Points(500), out.Balance.Total)
	assert.Equal(t, 4, f.stock(t, "book"))

	saved, err := f.engine.Order(context.Background(), out.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Order.DebitTransactionID, saved.DebitTransactionID)
	assert.Len(t, saved.Lines, 2)
}

func TestCheckout_InsufficientPointsCreatesNoOrder(t *testing.T) {
	f := newFixture(t, 50)

	_, err := f.engine.Checkout(context.Background(), purchase.Request{
		StudentID: "stu-1", Items: []purchase.CartItem{{ItemID: "pen", Quantity: 2}},
	})

	require.Error(t, err)
	assert.True(t, purchase.IsInsufficientPoints(err))
	assert.Equal(t, points.Points(50), f.available(t))
	orders, err := f.engine.Orders(context.Background(), purchase.OrderFilter{StudentID: "stu-1"})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCheckout_RetryWithSameKeyIsIdempotent(t *testing.T) {
	f := newFixture(t, 500)
	first := f.checkout(t, "cart-42", purchase.CartItem{ItemID: "pen", Quantity: 2})

	again := f.checkout(t, "cart-42", purchase.CartItem{ItemID: "pen", Quantity: 2})

	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Order.ID, again.Order.ID)
	assert.Equal(t, points.Points(440), f.available(t))
}

func TestCheckout_ConcurrentRetryKeepsCommittedOrder(t *testing.T) {
	// GIVEN: A committed checkout, and a retry with the same key that missed it
	f := newFixture(t, 500)
	first := f.checkout(t, "cart-1", purchase.CartItem{ItemID: "pen", Quantity: 2})
	racing := purchase.NewEngine(f.recorder, &racingOrders{Store: f.store, hidden: 1}, nil)
	ctx := context.Background()

	// WHEN: The retry runs to the order insert
	again, err := racing.Checkout(ctx, purchase.Request{
		StudentID: "stu-1", Items: []purchase.CartItem{{ItemID: "pen", Quantity: 2}}, IdempotencyKey: "cart-1",
	})

	// THEN: It gets the committed order back and the debit stands
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Order.ID, again.Order.ID)
	assert.Equal(t, points.Points(440), f.available(t))

	reversal, err := f.store.FindTransactionByKey(ctx, "checkout:cart-1:reversal")
	require.NoError(t, err)
	assert.Nil(t, reversal)

	// AND: The order can still be settled with a single refund
	tr, err := f.engine.Cancel(ctx, first.Order.ID, "", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusCancelled, tr.Order.Status)
	assert.Equal(t, points.Points(500), f.available(t))
}

func TestCheckout_Validation(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()

	tests := []struct {
		name  string
		items []purchase.CartItem
	}{
		{"empty cart", nil},
		{"zero quantity", []purchase.CartItem{{ItemID: "pen", Quantity: 0}}},
		{"mixed vendors", []purchase.CartItem{{ItemID: "pen", Quantity: 1}, {ItemID: "mug", Quantity: 1}}},
		{"over stock", []purchase.CartItem{{ItemID: "book", Quantity: 6}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Checkout(ctx, purchase.Request{StudentID: "stu-1", Items: tt.items})
			assert.ErrorIs(t, err, points.ErrValidation)
		})
	}
	assert.Equal(t, points.Points(500), f.available(t))
}

func TestCheckout_UnknownItem(t *testing.T) {
	f := newFixture(t, 500)
	_, err := f.engine.Checkout(context.Background(), purchase.Request{
		StudentID: "stu-1", Items: []purchase.CartItem{{ItemID: "ghost", Quantity: 1}},
	})
	assert.True(t, points.IsNotFound(err))
}

func TestCheckout_OrderFailureReversesDebit(t *testing.T) {
	// GIVEN: A store that cannot persist orders
	f := newFixture(t, 500)
	broken := purchase.NewEngine(f.recorder, failingOrders{f.store}, nil)
	ctx := context.Background()

	// WHEN: Checkout debits and then fails to create the order
	_, err := broken.Checkout(ctx, purchase.Request{
		StudentID: "stu-1", Items: []purchase.CartItem{{ItemID: "book", Quantity: 2}}, IdempotencyKey: "cart-9",
	})

	// THEN: The caller sees the store failure
	require.Error(t, err)
	assert.ErrorIs(t, err, points.ErrOperationFailed)

	// AND: Points and stock are back where they started
	assert.Equal(t, points.Points(500), f.available(t))
	assert.Equal(t, 5, f.stock(t, "book"))

	// AND: History shows the debit and its reversal
	txs, err := f.store.ListTransactions(ctx, "stu-1", points.TransactionFilter{Category: points.CategoryPurchase})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	var sum points.Points
	for _, tx := range txs {
		sum += tx.Amount
	}
	assert.Zero(t, sum)

	// AND: The spent key cannot be replayed
	_, err = f.engine.Checkout(ctx, purchase.Request{
		StudentID: "stu-1", Items: []purchase.CartItem{{ItemID: "book", Quantity: 2}}, IdempotencyKey: "cart-9",
	})
	assert.ErrorIs(t, err, points.ErrValidation)
	assert.Equal(t, points.Points(500), f.available(t))
}

// =============================================================================
// ORDER LIFECYCLE
// =============================================================================

func TestReject_RefundsAndRestocks(t *testing.T) {
	f := newFixture(t, 500)
	out := f.checkout(t, "cart-1", purchase.CartItem{ItemID: "book", Quantity: 3})
	require.Equal(t, 2, f.stock(t, "book"))

	tr, err := f.engine.Reject(context.Background(), out.Order.ID, "out of season", "vendor-a")
	require.NoError(t, err)

	assert.Equal(t, purchase.StatusRejected, tr.Order.Status)
	assert.Equal(t, "out of season", tr.Order.Reason)
	require.NotNil(t, tr.Balance)
	assert.Equal(t, points.Points(500), tr.Balance.Available)
	assert.NotEmpty(t, tr.Order.RefundTransactionID)
	assert.Equal(t, 5, f.stock(t, "book"))
}

func TestApproveFulfill(t *testing.T) {
	f := newFixture(t, 500)
	out := f.checkout(t, "cart-1", purchase.CartItem{ItemID: "pen", Quantity: 1})
	ctx := context.Background()

	tr, err := f.engine.Approve(ctx, out.Order.ID, "vendor-a")
	require.NoError(t, err)
	assert.Nil(t, tr.Balance)
	assert.NotNil(t, tr.Order.ApprovedDate)

	tr, err = f.engine.Fulfill(ctx, out.Order.ID, "vendor-a")
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusFulfilled, tr.Order.Status)
	assert.NotNil(t, tr.Order.FulfilledDate)

	// Fulfilled is terminal
	_, err = f.engine.Cancel(ctx, out.Order.ID, "changed my mind", "stu-1")
	var te *points.TransitionError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, points.Points(470), f.available(t))
}

func TestCancel_ApprovedOrderRefundsOnce(t *testing.T) {
	f := newFixture(t, 500)
	out := f.checkout(t, "cart-1", purchase.CartItem{ItemID: "pen", Quantity: 2})
	ctx := context.Background()

	_, err := f.engine.Approve(ctx, out.Order.ID, "vendor-a")
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, out.Order.ID, "", "stu-1")
	require.NoError(t, err)

	_, err = f.engine.Reject(ctx, out.Order.ID, "late", "vendor-a")
	assert.ErrorIs(t, err, points.ErrInvalidTransition)
	assert.Equal(t, points.Points(500), f.available(t))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to purchase.Status
		want     bool
	}{
		{purchase.StatusPending, purchase.StatusApproved, true},
		{purchase.StatusPending, purchase.StatusRejected, true},
		{purchase.StatusPending, purchase.StatusCancelled, true},
		{purchase.StatusPending, purchase.StatusFulfilled, false},
		{purchase.StatusApproved, purchase.StatusFulfilled, true},
		{purchase.StatusApproved, purchase.StatusRejected, false},
		{purchase.StatusRejected, purchase.StatusApproved, false},
		{purchase.StatusFulfilled, purchase.StatusCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, purchase.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestOrder_NotFound(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.engine.Approve(context.Background(), "missing", "vendor-a")
	assert.True(t, points.IsNotFound(err))
}
