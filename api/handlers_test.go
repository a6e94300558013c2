/*
handlers_test.go - HTTP tests for the points API

Tests for:
- Allocation net of the management fee, idempotent replay
- Checkout: insufficient points (402, no order), idempotent retries
- Withdrawal: request does not debit, approval debits once
- Sweep endpoint and settings round trip
- Error to status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/investment"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/purchase"
	"github.com/warp/points-engine/store/sqlstore"
	"github.com/warp/points-engine/withdrawal"
)

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	t      *testing.T
	h      *Handler
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store, Options{Clock: func() time.Time { return testNow }})
	return &testServer{t: t, h: h, router: NewRouter(h, []string{"*"})}
}

func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "tester")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createStudent(id string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/students", CreateStudentRequest{ID: id, Name: "Student " + id})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) bonus(id string, amount int64) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/admin/bonuses", AdjustmentRequest{
		StudentID: id, Amount: amount, Description: "seed",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) balance(id string) BalanceDTO {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/api/students/"+id+"/balance", nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[BalanceDTO](s.t, rec)
}

// =============================================================================
// ALLOCATION
// =============================================================================

func TestAllocate_CreditsNetOfManagementFee(t *testing.T) {
	// GIVEN: A student and the default settings (1000 points per dollar, 20% fee)
	s := newTestServer(t)
	s.createStudent("stu-1")

	req := map[string]any{
		"student_id":     "stu-1",
		"donor_id":       "donor-1",
		"sponsorship_id": "sp-1",
		"monthly_amount": "50",
		"period":         "2025-03",
	}

	// WHEN: A $50 sponsorship is allocated
	rec := s.do(http.MethodPost, "/api/allocations", req)

	// THEN: $40 net becomes 40000 points, $10 goes to the fee ledger
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	alloc := decodeBody[AllocationDTO](t, rec)
	assert.Equal(t, int64(40000), alloc.PointsCredited)
	assert.True(t, alloc.FeeAmount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, int64(40000), alloc.Balance.Available)
	assert.Equal(t, int64(40000), alloc.Balance.Total)
	assert.Equal(t, "tester", alloc.Transaction.CreatedBy)

	// WHEN: The same allocation is replayed
	rec = s.do(http.MethodPost, "/api/allocations", req)

	// THEN: Nothing new is credited
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[AllocationDTO](t, rec).Duplicate)
	assert.Equal(t, int64(40000), s.balance("stu-1").Available)

	rec = s.do(http.MethodGet, "/api/admin/fees?kind=management", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fees := decodeBody[FeeReportDTO](t, rec)
	assert.Equal(t, 1, fees.Count)
	assert.Equal(t, int64(10000), fees.TotalPoints)
}

func TestAllocate_UnknownStudent(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/allocations", map[string]any{
		"student_id": "ghost", "donor_id": "d", "sponsorship_id": "sp", "monthly_amount": "10", "period": "2025-03",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestAllocate_RetryWithoutPeriod(t *testing.T) {
	s := newTestServer(t)
	s.createStudent("stu-1")
	req := map[string]any{
		"student_id": "stu-1", "donor_id": "donor-1", "sponsorship_id": "sp-1", "monthly_amount": "50",
	}

	// No period and no key cannot be retried safely
	rec := s.do(http.MethodPost, "/api/allocations", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// With the header, a retry is recognised
	rec = s.do(http.MethodPost, "/api/allocations", req, IdempotencyHeader, "alloc-7")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/api/allocations", req, IdempotencyHeader, "alloc-7")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[AllocationDTO](t, rec).Duplicate)
	assert.Equal(t, int64(40000), s.balance("stu-1").Available)
}

// =============================================================================
// CHECKOUT
// =============================================================================

func (s *testServer) addItem(id string, price int64) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/catalog", map[string]any{
		"id": id, "vendor_id": "vendor-1", "name": "Item " + id, "price_points": price, "active": true,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCheckout_InsufficientPoints(t *testing.T) {
	// GIVEN: 50 available points and a 60 point item
	s := newTestServer(t)
	s.createStudent("stu-1")
	s.bonus("stu-1", 50)
	s.addItem("book", 60)

	// WHEN: The student checks out
	rec := s.do(http.MethodPost, "/api/students/stu-1/checkout", CheckoutRequest{
		Items: []purchase.CartItem{{ItemID: "book", Quantity: 1}},
	})

	// THEN: 402 insufficient points, no order, balance untouched
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	body := decodeBody[ErrorDTO](t, rec)
	assert.Equal(t, "insufficient_points", body.Code)

	rec = s.do(http.MethodGet, "/api/students/stu-1/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]purchase.Order](t, rec))
	assert.Equal(t, int64(50), s.balance("stu-1").Available)
}

func TestCheckout_ResponseUsesSnakeCase(t *testing.T) {
	s := newTestServer(t)
	s.createStudent("stu-1")
	s.bonus("stu-1", 500)
	s.addItem("pen", 30)

	rec := s.do(http.MethodPost, "/api/students/stu-1/checkout", map[string]any{
		"items": []map[string]any{{"item_id": "pen", "quantity": 2}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody[map[string]map[string]any](t, rec)
	order := body["order"]
	assert.Equal(t, float64(60), order["total_points"])
	assert.Equal(t, "vendor-1", order["vendor_id"])
	assert.Contains(t, order, "debit_transaction_id")
	assert.NotContains(t, order, "totalPoints")
}

func TestCheckout_IdempotentRetry(t *testing.T) {
	s := newTestServer(t)
	s.createStudent("stu-1")
	s.bonus("stu-1", 500)
	s.addItem("pen", 30)

	cart := CheckoutRequest{Items: []purchase.CartItem{{ItemID: "pen", Quantity: 2}}}
	first := s.do(http.MethodPost, "/api/students/stu-1/checkout", cart, IdempotencyHeader, "cart-42")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	order := decodeBody[CheckoutDTO](t, first)
	assert.Equal(t, int64(440), order.Balance.Available)
	assert.Equal(t, purchase.StatusPending, order.Order.Status)

	// WHEN: The client retries with the same key
	again := s.do(http.MethodPost, "/api/students/stu-1/checkout", cart, IdempotencyHeader, "cart-42")

	// THEN: Same order, no second debit
	require.Equal(t, http.StatusOK, again.Code, again.Body.String())
	dup := decodeBody[CheckoutDTO](t, again)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, order.Order.ID, dup.Order.ID)
	assert.Equal(t, int64(440), s.balance("stu-1").Available)

	// AND: Rejecting the order refunds it
	rec := s.do(http.MethodPost, "/api/orders/"+order.Order.ID+"/reject", OrderActionRequest{Reason: "out of season"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tr := decodeBody[TransitionDTO](t, rec)
	assert.Equal(t, purchase.StatusRejected, tr.Order.Status)
	require.NotNil(t, tr.Balance)
	assert.Equal(t, int64(500), tr.Balance.Available)

	// AND: A rejected order cannot be fulfilled
	rec = s.do(http.MethodPost, "/api/orders/"+order.Order.ID+"/fulfill", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func TestWithdrawal_RetriedRequestIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	s.createStudent("stu-1")
	s.bonus("stu-1", 5000)
	body := WithdrawalRequest{
		Amount: 2000, Category: "education",
		Bank: withdrawal.BankDetails{AccountName: "A", AccountNumber: "1", BankName: "B"},
	}

	rec := s.do(http.MethodPost, "/api/students/stu-1/withdrawals", body, IdempotencyHeader, "wd-7")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[withdrawal.Withdrawal](t, rec)

	rec = s.do(http.MethodPost, "/api/students/stu-1/withdrawals", body, IdempotencyHeader, "wd-7")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, first.ID, decodeBody[withdrawal.Withdrawal](t, rec).ID)

	rec = s.do(http.MethodGet, "/api/students/stu-1/withdrawals?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]withdrawal.Withdrawal](t, rec), 1)
}

func TestWithdrawal_ApproveDebitsOnce(t *testing.T) {
	// GIVEN: 5000 available points
	s := newTestServer(t)
	s.createStudent("stu-1")
	s.bonus("stu-1", 5000)

	// WHEN: A 2000 point withdrawal is requested
	rec := s.do(http.MethodPost, "/api/students/stu-1/withdrawals", WithdrawalRequest{
		Amount: 2000, Category: "education",
		Bank: withdrawal.BankDetails{AccountName: "A", AccountNumber: "1", BankName: "B"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wd := decodeBody[withdrawal.Withdrawal](t, rec)
	assert.Equal(t, withdrawal.StatusPending, wd.Status)

	// THEN: Nothing is debited yet
	assert.Equal(t, int64(5000), s.balance("stu-1").Available)

	// WHEN: An admin approves it
	rec = s.do(http.MethodPost, "/api/admin/withdrawals/"+wd.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approval := decodeBody[ApprovalDTO](t, rec)
	assert.Equal(t, int64(3000), approval.Balance.Available)
	assert.Equal(t, withdrawal.StatusApproved, approval.Withdrawal.Status)
	assert.True(t, approval.Withdrawal.CashAmount.Equal(decimal.NewFromInt(2)))

	// THEN: A second approval is refused and debits nothing
	rec = s.do(http.MethodPost, "/api/admin/withdrawals/"+wd.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, int64(3000), s.balance("stu-1").Available)

	rec = s.do(http.MethodPost, "/api/admin/withdrawals/"+wd.ID+"/process", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, withdrawal.StatusProcessed, decodeBody[withdrawal.Withdrawal](t, rec).Status)
}

func TestWithdrawal_BelowMinimum(t *testing.T) {
	s := newTestServer(t)
	s.createStudent("stu-1")
	s.bonus("stu-1", 5000)

	rec := s.do(http.MethodPost, "/api/students/stu-1/withdrawals", WithdrawalRequest{Amount: 10})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeBody[ErrorDTO](t, rec).Code)
}

// =============================================================================
// SWEEP AND SETTINGS
// =============================================================================

func TestSettings_RoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/admin/settings/investment", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[investment.Settings](t, rec).AutoInvestEnabled)

	rec = s.do(http.MethodPut, "/api/admin/settings/investment", map[string]any{"auto_invest_enabled": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/admin/settings/investment", nil)
	got := decodeBody[investment.Settings](t, rec)
	assert.True(t, got.AutoInvestEnabled)
	assert.Equal(t, points.Points(150), got.MinimumThreshold, "unspecified fields keep their value")

	rec = s.do(http.MethodPut, "/api/admin/settings/investment", map[string]any{"processing_day": 40})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/admin/settings/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunSweep(t *testing.T) {
	// GIVEN: Auto-invest on at 20% with threshold 150, one student with 1000
	s := newTestServer(t)
	s.createStudent("stu-1")
	s.bonus("stu-1", 1000)
	rec := s.do(http.MethodPut, "/api/admin/settings/investment", map[string]any{"auto_invest_enabled": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: The sweep runs twice for the same period
	rec = s.do(http.MethodPost, "/api/admin/sweeps", SweepRequest{Period: "2025-03"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[investment.Summary](t, rec)
	rec = s.do(http.MethodPost, "/api/admin/sweeps", SweepRequest{Period: "2025-03"})
	second := decodeBody[investment.Summary](t, rec)

	// THEN: 200 invested once
	assert.Equal(t, 1, first.StudentsProcessed)
	assert.Equal(t, points.Points(200), first.TotalInvested)
	assert.Equal(t, 1, second.AlreadySwept)
	bal := s.balance("stu-1")
	assert.Equal(t, int64(800), bal.Available)
	assert.Equal(t, int64(200), bal.Invested)
	assert.Equal(t, int64(1000), bal.Total)

	rec = s.do(http.MethodGet, "/api/students/stu-1/investments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	invs := decodeBody[[]InvestmentDTO](t, rec)
	require.Len(t, invs, 1)
	assert.Equal(t, "2025-03", invs[0].PeriodKey)

	rec = s.do(http.MethodGet, "/api/students/stu-1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[ReconcileDTO](t, rec).Consistent)
}

func TestTransactions_NewestFirst(t *testing.T) {
	s := newTestServer(t)
	s.createStudent("stu-1")
	s.bonus("stu-1", 100)
	s.bonus("stu-1", -30)
	s.bonus("stu-1", 5)

	rec := s.do(http.MethodGet, "/api/students/stu-1/transactions?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	txs := decodeBody[[]TransactionDTO](t, rec)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(5), txs[0].Amount)
	assert.Equal(t, "penalty", txs[1].Type)

	rec = s.do(http.MethodGet, "/api/students/stu-1/transactions?category=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/students/ghost/transactions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPenalty_CannotOverdraw(t *testing.T) {
	s := newTestServer(t)
	s.createStudent("stu-1")
	s.bonus("stu-1", 10)

	rec := s.do(http.MethodPost, "/api/admin/bonuses", AdjustmentRequest{StudentID: "stu-1", Amount: -20, Description: "late"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	details, ok := decodeBody[ErrorDTO](t, rec).Details.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 10, details["shortfall"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.createStudent("stu-1")
	s.bonus("stu-1", 10)

	rec := s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "points_ledger_transactions_total"))
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{points.Invalid("amount", "bad"), http.StatusBadRequest},
		{&points.InsufficientFundsError{Bucket: points.BucketAvailable}, http.StatusPaymentRequired},
		{fmt.Errorf("order x: %w", points.ErrNotFound), http.StatusNotFound},
		{points.ErrStudentNotFound, http.StatusNotFound},
		{&points.TransitionError{Entity: "order"}, http.StatusConflict},
		{&points.ConcurrencyConflictError{Attempts: 5}, http.StatusConflict},
		{&points.InvariantViolationError{Bucket: "invested"}, http.StatusInternalServerError},
		{points.OperationFailed("save", errors.New("disk full")), http.StatusServiceUnavailable},
		{points.OperationFailed("save", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got, _ := statusFor(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	rec := httptest.NewRecorder()

	s.h.writeFailure(rec, req, &points.InvariantViolationError{StudentID: "stu-1", Bucket: "invested", Value: -5})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "stu-1")
}
