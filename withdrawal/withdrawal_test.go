package withdrawal_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/store/sqlstore"
	"github.com/warp/points-engine/withdrawal"
)

type fixture struct {
	store    *sqlstore.Store
	recorder *points.Recorder
	engine   *withdrawal.Engine
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
	return &fixture{store: st, recorder: rec, engine: withdrawal.NewEngine(rec, st, nil)}
}

func (f *fixture) request(t *testing.T, amount points.Points) withdrawal.Withdrawal {
	t.Helper()
	sub, err := f.engine.Request(context.Background(), withdrawal.NewRequest{
		StudentID: "stu-1",
		Amount:    amount,
		Category:  withdrawal.CategoryEducation,
		Bank:      withdrawal.BankDetails{AccountName: "Amina", AccountNumber: "0001", BankName: "First"},
		Actor:     "stu-1",
	}, withdrawal.DefaultSettings())
	require.NoError(t, err)
	require.False(t, sub.Duplicate)
	return sub.Withdrawal
}

func (f *fixture) balance(t *testing.T) points.Balance {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), "stu-1")
	require.NoError(t, err)
	return b
}

func TestRequest_DoesNotDebit(t *testing.T) {
	f := newFixture(t, 5000)

	w := f.request(t, 2000)

	assert.Equal(t, withdrawal.StatusPending, w.Status)
	assert.True(t, decimal.NewFromInt(2).Equal(w.CashAmount))
	assert.Equal(t, points.Points(5000), f.balance(t).Available)

	saved, err := f.engine.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, "First", saved.Bank.BankName)
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()

	tests := []struct {
		name     string
		amount   points.Points
		category withdrawal.Category
		field    string
	}{
		{"below minimum", 999, withdrawal.CategoryOther, "amount"},
		{"above maximum", 1000001, withdrawal.CategoryOther, "amount"},
		{"unknown category", 2000, "holiday", "category"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Request(ctx, withdrawal.NewRequest{StudentID: "stu-1", Amount: tt.amount, Category: tt.category},
				withdrawal.DefaultSettings())
			var verr *points.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRequest_MoreThanAvailable(t *testing.T) {
	f := newFixture(t, 1500)

	_, err := f.engine.Request(context.Background(), withdrawal.NewRequest{StudentID: "stu-1", Amount: 2000},
		withdrawal.DefaultSettings())

	var ife *points.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, points.Points(500), ife.Shortfall())
}

func TestRequest_RetryWithSameKeyReturnsFirst(t *testing.T) {
	// GIVEN: A request submitted with a client key
	f := newFixture(t, 5000)
	ctx := context.Background()
	req := withdrawal.NewRequest{
		StudentID: "stu-1", Amount: 2000, Category: withdrawal.CategoryEducation,
		IdempotencyKey: "wd-1", Actor: "stu-1",
	}
	first, err := f.engine.Request(ctx, req, withdrawal.DefaultSettings())
	require.NoError(t, err)

	// WHEN: The client retries it
	again, err := f.engine.Request(ctx, req, withdrawal.DefaultSettings())

	// THEN: The first request comes back and no second one exists
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Withdrawal.ID, again.Withdrawal.ID)
	pending, err := f.engine.List(ctx, withdrawal.Filter{StudentID: "stu-1", Status: withdrawal.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// AND: Reusing the key for another amount is refused
	req.Amount = 3000
	_, err = f.engine.Request(ctx, req, withdrawal.DefaultSettings())
	var verr *points.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "idempotency_key", verr.Field)
}

func TestApprove_DebitsOnceAndChargesFee(t *testing.T) {
	// GIVEN: A pending 2000 point request
	f := newFixture(t, 5000)
	w := f.request(t, 2000)
	ctx := context.Background()

	// WHEN: An admin approves it
	out, err := f.engine.Approve(ctx, w.ID, "admin", withdrawal.DefaultSettings())
	require.NoError(t, err)

	// THEN: Points are debited and the 2% fee comes off the cash
	assert.Equal(t, withdrawal.StatusApproved, out.Withdrawal.Status)
	assert.Equal(t, points.Points(3000), out.Balance.Available)
	assert.Equal(t, points.Points(5000), out.Balance.Total)
	assert.True(t, decimal.RequireFromString("0.04").Equal(out.Withdrawal.FeeAmount))
	assert.True(t, decimal.RequireFromString("1.96").Equal(out.Withdrawal.NetCashAmount))
	require.NotNil(t, out.Fee)
	assert.Equal(t, points.FeeWithdrawal, out.Fee.Kind)
	assert.Equal(t, points.Points(40), out.Fee.Points)

	// AND: A second approval is refused without a second debit
	_, err = f.engine.Approve(ctx, w.ID, "admin", withdrawal.DefaultSettings())
	assert.ErrorIs(t, err, points.ErrInvalidTransition)
	assert.Equal(t, points.Points(3000), f.balance(t).Available)

	// AND: It can be marked processed exactly once
	done, err := f.engine.MarkProcessed(ctx, w.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusProcessed, done.Status)
	assert.NotNil(t, done.ProcessedDate)
	_, err = f.engine.MarkProcessed(ctx, w.ID, "admin")
	assert.ErrorIs(t, err, points.ErrInvalidTransition)
}

func TestApprove_SpentPointsLeavesRequestPending(t *testing.T) {
	// GIVEN: A request, after which the student spends most points
	f := newFixture(t, 2500)
	w := f.request(t, 2000)
	ctx := context.Background()
	_, err := f.recorder.Record(ctx, points.Entry{
		StudentID: "stu-1", Type: points.TxSpent, Category: points.CategoryPurchase, Amount: -1000,
	})
	require.NoError(t, err)

	// WHEN: The admin approves
	_, err = f.engine.Approve(ctx, w.ID, "admin", withdrawal.DefaultSettings())

	// THEN: Approval is refused as invalid and nothing moves
	var verr *points.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
	assert.Equal(t, points.Points(1500), f.balance(t).Available)

	still, err := f.engine.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusPending, still.Status)
}

func TestReject(t *testing.T) {
	f := newFixture(t, 5000)
	w := f.request(t, 2000)
	ctx := context.Background()

	_, err := f.engine.Reject(ctx, w.ID, "", "admin")
	assert.ErrorIs(t, err, points.ErrValidation)

	out, err := f.engine.Reject(ctx, w.ID, "incomplete bank details", "admin")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusRejected, out.Status)
	assert.Equal(t, "admin", out.ReviewedBy)
	assert.Equal(t, points.Points(5000), f.balance(t).Available)

	_, err = f.engine.Approve(ctx, w.ID, "admin", withdrawal.DefaultSettings())
	assert.ErrorIs(t, err, points.ErrInvalidTransition)
}

func TestMarkProcessed_RequiresApproval(t *testing.T) {
	f := newFixture(t, 5000)
	w := f.request(t, 2000)

	_, err := f.engine.MarkProcessed(context.Background(), w.ID, "admin")
	assert.ErrorIs(t, err, points.ErrInvalidTransition)
}

func TestList_ByStatus(t *testing.T) {
	f := newFixture(t, 9000)
	a := f.request(t, 2000)
	f.request(t, 3000)
	_, err := f.engine.Approve(context.Background(), a.ID, "admin", withdrawal.DefaultSettings())
	require.NoError(t, err)

	pending, err := f.engine.List(context.Background(), withdrawal.Filter{Status: withdrawal.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, points.Points(3000), pending[0].Amount)
}

func TestCashAndFee(t *testing.T) {
	assert.True(t, decimal.RequireFromString("1.23").Equal(withdrawal.Cash(1234, decimal.RequireFromString("0.001"))))

	fee, net := withdrawal.Fee(decimal.NewFromInt(10), decimal.RequireFromString("2.5"))
	assert.True(t, decimal.RequireFromString("0.25").Equal(fee))
	assert.True(t, decimal.RequireFromString("9.75").Equal(net))
}

func TestParseCategory(t *testing.T) {
	c, err := withdrawal.ParseCategory("")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.CategoryOther, c)

	_, err = withdrawal.ParseCategory("vacation")
	assert.Error(t, err)
}
