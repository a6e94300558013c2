package insurance_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/insurance"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/store/sqlstore"
)

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *sqlstore.Store
	service *insurance.Service
}

func newFixture(t *testing.T, available points.Points) *fixture {
	t.Helper()
	st, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.CreateStudent(ctx, points.Student{ID: "stu-1", Name: "Amina", Active: true, CreatedAt: testNow}))
	rec := points.NewRecorder(st,
		points.WithMetrics(points.MustNewMetrics(prometheus.NewRegistry())),
		points.WithClock(func() time.Time { return testNow }))
	if available > 0 {
		_, err := rec.Record(ctx, points.Entry{StudentID: "stu-1", Type: points.TxBonus, Category: points.CategoryBonus, Amount: available})
		require.NoError(t, err)
	}
	return &fixture{store: st, service: insurance.NewService(rec, st, nil)}
}

func (f *fixture) enroll(t *testing.T, premium points.Points) insurance.Policy {
	t.Helper()
	p, err := f.service.Enroll(context.Background(), insurance.EnrollRequest{
		StudentID:      "stu-1",
		Provider:       "Acme Health",
		PolicyNumber:   "P-100",
		CoverageAmount: decimal.NewFromInt(5000),
		PremiumAmount:  premium,
		ExpiryDate:     testNow.AddDate(1, 0, 0),
		Actor:          "admin",
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) balance(t *testing.T) points.Balance {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), "stu-1")
	require.NoError(t, err)
	return b
}

func TestEnroll(t *testing.T) {
	f := newFixture(t, 0)
	p := f.enroll(t, 100)

	assert.Equal(t, insurance.StatusActive, p.Status)
	assert.Equal(t, testNow, p.StartDate)

	got, err := f.service.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "P-100", got.PolicyNumber)
	assert.True(t, decimal.NewFromInt(5000).Equal(got.CoverageAmount))
}

func TestEnroll_Validation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.service.Enroll(ctx, insurance.EnrollRequest{StudentID: "stu-1", Provider: "Acme", PolicyNumber: "P", PremiumAmount: 0,
		ExpiryDate: testNow.AddDate(1, 0, 0)})
	assert.ErrorIs(t, err, points.ErrValidation)

	_, err = f.service.Enroll(ctx, insurance.EnrollRequest{StudentID: "stu-1", Provider: "Acme", PolicyNumber: "P", PremiumAmount: 10,
		ExpiryDate: testNow.AddDate(0, 0, -1)})
	assert.ErrorIs(t, err, points.ErrValidation)

	_, err = f.service.Enroll(ctx, insurance.EnrollRequest{StudentID: "ghost", Provider: "Acme", PolicyNumber: "P", PremiumAmount: 10,
		ExpiryDate: testNow.AddDate(1, 0, 0)})
	assert.True(t, points.IsNotFound(err))
}

func TestFundReserve(t *testing.T) {
	f := newFixture(t, 1000)

	receipt, err := f.service.FundReserve(context.Background(), "stu-1", 300, "r-1", "stu-1")
	require.NoError(t, err)

	assert.Equal(t, points.Points(700), receipt.Balance.Available)
	assert.Equal(t, points.Points(300), receipt.Balance.Insurance)
	assert.Equal(t, points.Points(1000), receipt.Balance.Total)

	// Same key, no second move
	again, err := f.service.FundReserve(context.Background(), "stu-1", 300, "r-1", "stu-1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, points.Points(300), f.balance(t).Insurance)
}

func TestChargePremium_FromReserve(t *testing.T) {
	// GIVEN: A reserve larger than the premium
	f := newFixture(t, 1000)
	p := f.enroll(t, 100)
	_, err := f.service.FundReserve(context.Background(), "stu-1", 300, "", "stu-1")
	require.NoError(t, err)

	// WHEN: March's premium is charged
	charge, err := f.service.ChargePremium(context.Background(), p.ID, "2025-03", "system")
	require.NoError(t, err)

	// THEN: It comes out of the reserve and available is untouched
	assert.True(t, charge.FromReserve)
	b := f.balance(t)
	assert.Equal(t, points.Points(200), b.Insurance)
	assert.Equal(t, points.Points(700), b.Available)
}

func TestChargePremium_FromAvailableWithoutReserve(t *testing.T) {
	f := newFixture(t, 1000)
	p := f.enroll(t, 100)

	charge, err := f.service.ChargePremium(context.Background(), p.ID, "2025-03", "system")
	require.NoError(t, err)

	assert.False(t, charge.FromReserve)
	assert.Equal(t, points.Points(900), f.balance(t).Available)
}

func TestChargePremium_PartialReserveRefused(t *testing.T) {
	f := newFixture(t, 1000)
	p := f.enroll(t, 100)
	_, err := f.service.FundReserve(context.Background(), "stu-1", 40, "", "stu-1")
	require.NoError(t, err)

	_, err = f.service.ChargePremium(context.Background(), p.ID, "2025-03", "system")

	var ife *points.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, points.BucketInsurance, ife.Bucket)
	assert.Equal(t, points.Points(60), ife.Shortfall())
	b := f.balance(t)
	assert.Equal(t, points.Points(40), b.Insurance)
	assert.Equal(t, points.Points(960), b.Available)
}

func TestChargePremium_OncePerPeriod(t *testing.T) {
	f := newFixture(t, 1000)
	p := f.enroll(t, 100)
	ctx := context.Background()

	_, err := f.service.ChargePremium(ctx, p.ID, "2025-03", "system")
	require.NoError(t, err)
	again, err := f.service.ChargePremium(ctx, p.ID, "2025-03", "system")
	require.NoError(t, err)

	assert.True(t, again.Receipt.Duplicate)
	assert.Equal(t, points.Points(900), f.balance(t).Available)

	_, err = f.service.ChargePremium(ctx, p.ID, "2025-04", "system")
	require.NoError(t, err)
	assert.Equal(t, points.Points(800), f.balance(t).Available)
}

func TestChargePremium_InsufficientAvailable(t *testing.T) {
	f := newFixture(t, 50)
	p := f.enroll(t, 100)

	_, err := f.service.ChargePremium(context.Background(), p.ID, "2025-03", "system")

	assert.ErrorIs(t, err, points.ErrInsufficientFunds)
	assert.Equal(t, points.Points(50), f.balance(t).Available)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 1000)
	p := f.enroll(t, 100)
	ctx := context.Background()

	out, err := f.service.Cancel(ctx, p.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, insurance.StatusCancelled, out.Status)

	_, err = f.service.Cancel(ctx, p.ID, "admin")
	assert.ErrorIs(t, err, points.ErrInvalidTransition)

	_, err = f.service.ChargePremium(ctx, p.ID, "2025-03", "system")
	assert.ErrorIs(t, err, points.ErrValidation)
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t, 0)
	p := f.enroll(t, 100)
	ctx := context.Background()

	expired, err := f.service.ExpireDue(ctx, testNow.AddDate(0, 6, 0))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = f.service.ExpireDue(ctx, p.ExpiryDate)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, insurance.StatusExpired, expired[0].Status)

	active, err := f.service.List(ctx, insurance.Filter{StudentID: "stu-1", Status: insurance.StatusActive})
	require.NoError(t, err)
	assert.Empty(t, active)
}
