package points_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
)

func TestReconcile_ConsistentAfterMixedPostings(t *testing.T) {
	// Balance conservation: any mix of postings replays to the snapshot.
	rec, mem := newTestRecorder(t)
	ctx := context.Background()

	entries := []points.Entry{
		{Type: points.TxEarned, Category: points.CategorySponsorship, Amount: 40000},
		{Type: points.TxInvested, Category: points.CategoryInvestment, Amount: 8000},
		{Type: points.TxSpent, Category: points.CategoryPurchase, Amount: -1200},
		{Type: points.TxRefund, Category: points.CategoryPurchase, Amount: 1200},
		{Type: points.TxInsurance, Category: points.CategoryInsurance, Amount: 500},
		{Type: points.TxInsurance, Category: points.CategoryInsurance, Bucket: points.BucketInsurance, Amount: -300},
		{Type: points.TxWithdrawn, Category: points.CategoryWithdrawal, Amount: -2000},
		{Type: points.TxRefund, Category: points.CategoryInvestment, Amount: 8000},
		{Type: points.TxEarned, Category: points.CategoryInvestment, Amount: 400},
		{Type: points.TxPenalty, Category: points.CategoryPenalty, Amount: -100},
	}
	for _, e := range entries {
		e.StudentID = "stu-1"
		_, err := rec.Record(ctx, e)
		require.NoError(t, err, "%s/%s", e.Type, e.Category)
	}

	report, err := points.NewReconciler(mem, nil, nil).Reconcile(ctx, "stu-1")
	require.NoError(t, err)

	assert.True(t, report.Consistent, "drift: %v", report.Drift)
	assert.Equal(t, len(entries), report.Transactions)
	assert.Equal(t, points.Points(40300), report.Stored.Total)
	assert.Equal(t, points.Points(200), report.Stored.Insurance)
	assert.Equal(t, points.Points(0), report.Stored.Invested)
	assert.Equal(t, report.Stored.Held(), report.Expected.Held())
}

func TestReconcile_DetectsDriftWithoutCorrecting(t *testing.T) {
	rec, mem := newTestRecorder(t)
	ctx := context.Background()
	credit(t, rec, 100)

	// Simulate a snapshot write that bypassed the recorder.
	bal, err := mem.GetBalance(ctx, "stu-1")
	require.NoError(t, err)
	tampered := bal
	tampered.Available += 25
	tampered.Total += 25
	tampered.Version++
	require.NoError(t, mem.SaveBalance(ctx, tampered, bal.Version))

	report, err := points.NewReconciler(mem, nil, nil).Reconcile(ctx, "stu-1")
	require.NoError(t, err)

	assert.False(t, report.Consistent)
	assert.Equal(t, points.Points(25), report.Drift["available"])
	assert.Equal(t, points.Points(25), report.Drift["total"])
	assert.ErrorIs(t, report.AsError(), points.ErrInvariantViolation)

	after, _ := mem.GetBalance(ctx, "stu-1")
	assert.Equal(t, points.Points(125), after.Available, "drift must not be auto-corrected")
}

func TestReconcileAll_ReturnsOnlyDrifted(t *testing.T) {
	rec, mem := newTestRecorder(t)
	ctx := context.Background()
	credit(t, rec, 100)

	drifted, err := points.NewReconciler(mem, nil, nil).ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifted)
}

func TestParseTxTypeAndCategory(t *testing.T) {
	_, err := points.ParseTxType("gift")
	assert.ErrorIs(t, err, points.ErrValidation)

	c, err := points.ParseCategory("purchase")
	require.NoError(t, err)
	assert.Equal(t, points.CategoryPurchase, c)

	assert.True(t, points.IsLegal(points.TxWithdrawn, points.CategoryWithdrawal))
	assert.False(t, points.IsLegal(points.TxWithdrawn, points.CategoryPurchase))
}
