package sponsorship_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/store"
	"github.com/warp/points-engine/sponsorship"
)

func newEngine(t *testing.T) (*sponsorship.Engine, *points.Recorder, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateStudent(context.Background(), points.Student{
		ID: "stu-1", Name: "Amina", Active: true, CreatedAt: time.Now().UTC(),
	}))
	rec := points.NewRecorder(mem, points.WithMetrics(points.MustNewMetrics(prometheus.NewRegistry())))
	return sponsorship.NewEngine(rec, mem, nil), rec, mem
}

func request(amount string) sponsorship.Request {
	return sponsorship.Request{
		StudentID:     "stu-1",
		DonorID:       "donor-1",
		SponsorshipID: "sp-1",
		MonthlyAmount: decimal.RequireFromString(amount),
		Period:        "2025-03",
		Actor:         "admin",
	}
}

func TestSkim(t *testing.T) {
	tests := []struct {
		amount, percent string
		net, fee        string
	}{
		{"50", "20", "40", "10"},
		{"33.33", "20", "26.66", "6.67"},
		{"100", "0", "100", "0"},
		{"100", "100", "0", "100"},
	}
	for _, tt := range tests {
		t.Run(tt.amount+"@"+tt.percent, func(t *testing.T) {
			net, fee := sponsorship.Skim(decimal.RequireFromString(tt.amount), decimal.RequireFromString(tt.percent))
			assert.True(t, decimal.RequireFromString(tt.net).Equal(net), "net = %s", net)
			assert.True(t, decimal.RequireFromString(tt.fee).Equal(fee), "fee = %s", fee)
			assert.True(t, net.Add(fee).Equal(decimal.RequireFromString(tt.amount)))
		})
	}
}

func TestToPoints_RoundsDown(t *testing.T) {
	assert.Equal(t, points.Points(26660), sponsorship.ToPoints(decimal.RequireFromString("26.66"), decimal.NewFromInt(1000)))
	assert.Equal(t, points.Points(2), sponsorship.ToPoints(decimal.RequireFromString("0.029"), decimal.NewFromInt(100)))
}

func TestAllocate_CreditsNetAndRecordsFee(t *testing.T) {
	// GIVEN: $50/month at 1000 points per dollar with a 20% fee
	engine, _, mem := newEngine(t)
	ctx := context.Background()

	// WHEN: The allocation runs
	alloc, err := engine.Allocate(ctx, request("50"), sponsorship.DefaultSettings())
	require.NoError(t, err)

	// THEN: $40 is credited as 40000 earned/sponsorship points
	assert.Equal(t, points.Points(40000), alloc.PointsCredited)
	assert.Equal(t, points.Points(40000), alloc.Balance.Available)
	assert.Equal(t, points.Points(40000), alloc.Balance.Total)
	assert.Equal(t, points.TxEarned, alloc.Transaction.Type)
	assert.Equal(t, points.CategorySponsorship, alloc.Transaction.Category)
	assert.Equal(t, "allocation:sp-1:2025-03", alloc.Transaction.IdempotencyKey)

	// AND: The $10 fee lands in the fee ledger
	require.NotNil(t, alloc.Fee)
	assert.Equal(t, "10.00", alloc.Fee.Amount)
	assert.Equal(t, points.Points(10000), alloc.Fee.Points)

	totals, fees, err := sponsorship.TotalFees(ctx, mem, points.FeeManagement)
	require.NoError(t, err)
	assert.Len(t, fees, 1)
	assert.Equal(t, 1, totals.Count)
	assert.True(t, decimal.NewFromInt(10).Equal(totals.Amount))
	assert.Equal(t, points.Points(10000), totals.Points)
}

func TestAllocate_ReplayIsIdempotent(t *testing.T) {
	engine, _, mem := newEngine(t)
	ctx := context.Background()

	_, err := engine.Allocate(ctx, request("50"), sponsorship.DefaultSettings())
	require.NoError(t, err)

	// WHEN: The same period is allocated again
	again, err := engine.Allocate(ctx, request("50"), sponsorship.DefaultSettings())
	require.NoError(t, err)

	// THEN: No second credit and no second fee
	assert.True(t, again.Duplicate)
	assert.Nil(t, again.Fee)
	bal, err := mem.GetBalance(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, points.Points(40000), bal.Available)

	totals, _, err := sponsorship.TotalFees(ctx, mem, "")
	require.NoError(t, err)
	assert.Equal(t, 1, totals.Count)
}

func TestAllocate_ZeroFeeSkipsFeeLedger(t *testing.T) {
	engine, _, mem := newEngine(t)
	settings := sponsorship.DefaultSettings()
	settings.ManagementFeePercent = decimal.Zero

	alloc, err := engine.Allocate(context.Background(), request("5"), settings)
	require.NoError(t, err)

	assert.Equal(t, points.Points(5000), alloc.PointsCredited)
	assert.Nil(t, alloc.Fee)
	totals, _, err := sponsorship.TotalFees(context.Background(), mem, "")
	require.NoError(t, err)
	assert.Zero(t, totals.Count)
}

func TestAllocate_Validation(t *testing.T) {
	engine, _, _ := newEngine(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   func() sponsorship.Request
		field string
	}{
		{"missing student", func() sponsorship.Request { r := request("50"); r.StudentID = ""; return r }, "student_id"},
		{"missing donor", func() sponsorship.Request { r := request("50"); r.DonorID = ""; return r }, "donor_id"},
		{"missing sponsorship", func() sponsorship.Request { r := request("50"); r.SponsorshipID = ""; return r }, "sponsorship_id"},
		{"non-positive amount", func() sponsorship.Request { return request("0") }, "monthly_amount"},
		{"rounds to nothing", func() sponsorship.Request { return request("0.0001") }, "monthly_amount"},
		{"no period or key", func() sponsorship.Request { r := request("50"); r.Period = ""; return r }, "period"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Allocate(ctx, tt.req(), sponsorship.DefaultSettings())
			var verr *points.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestAllocate_KeyWithoutPeriodIsIdempotent(t *testing.T) {
	// GIVEN: An allocation identified only by a client key
	engine, _, mem := newEngine(t)
	req := request("50")
	req.Period = ""
	req.IdempotencyKey = "donor-1-march"
	ctx := context.Background()

	// WHEN: The client retries it
	_, err := engine.Allocate(ctx, req, sponsorship.DefaultSettings())
	require.NoError(t, err)
	again, err := engine.Allocate(ctx, req, sponsorship.DefaultSettings())
	require.NoError(t, err)

	// THEN: Points and fee are recorded once
	assert.True(t, again.Duplicate)
	bal, err := mem.GetBalance(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, points.Points(40000), bal.Available)
	totals, _, err := sponsorship.TotalFees(ctx, mem, "")
	require.NoError(t, err)
	assert.Equal(t, 1, totals.Count)
}

func TestAllocate_UnknownStudent(t *testing.T) {
	engine, _, _ := newEngine(t)
	req := request("50")
	req.StudentID = "ghost"

	_, err := engine.Allocate(context.Background(), req, sponsorship.DefaultSettings())

	assert.True(t, points.IsNotFound(err), "got %v", err)
}

func TestSettings_Validate(t *testing.T) {
	s := sponsorship.DefaultSettings()
	require.NoError(t, s.Validate())

	s.ManagementFeePercent = decimal.NewFromInt(101)
	assert.Error(t, s.Validate())

	s = sponsorship.DefaultSettings()
	s.PointsPerDollar = decimal.Zero
	assert.Error(t, s.Validate())
}
