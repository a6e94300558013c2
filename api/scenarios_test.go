/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Students are created
	- Postings go through the engines
	- Balances match expected values and reconcile with history
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/purchase"
	"github.com/warp/points-engine/withdrawal"
)

func (s *testServer) loadScenario(id string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (s *testServer) assertReconciled() {
	s.t.Helper()
	reports, err := s.h.Reconciler.ReconcileAll(context.Background())
	require.NoError(s.t, err)
	require.NotEmpty(s.t, reports)
	for _, r := range reports {
		assert.True(s.t, r.Consistent, "student %s drifted: %v", r.StudentID, r.Drift)
	}
}

func TestScenario_SponsoredStudent(t *testing.T) {
	// GIVEN: The sponsored-student scenario
	s := newTestServer(t)

	// WHEN: Loading the scenario
	s.loadScenario("sponsored-student")

	// THEN: $50 at 20% fee credits 40000 points and records the fee
	bal := s.balance("stu-amina")
	assert.Equal(t, int64(40000), bal.Available)
	assert.Equal(t, int64(40000), bal.Total)

	rec := s.do(http.MethodGet, "/api/admin/fees", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fees := decodeBody[FeeReportDTO](t, rec)
	assert.Equal(t, 1, fees.Count)
	assert.Equal(t, int64(10000), fees.TotalPoints)
	s.assertReconciled()
}

func TestScenario_AutoInvest(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("auto-invest")

	david := s.balance("stu-david")
	assert.Equal(t, int64(800), david.Available)
	assert.Equal(t, int64(200), david.Invested)
	assert.Equal(t, int64(1000), david.Total)

	lena := s.balance("stu-lena")
	assert.Equal(t, int64(500), lena.Available)
	assert.Zero(t, lena.Invested)
	s.assertReconciled()
}

func TestScenario_Marketplace(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("marketplace")

	// Two notebooks spent, the rejected uniform refunded
	assert.Equal(t, int64(440), s.balance("stu-amina").Available)

	orders, err := s.h.Purchases.Orders(context.Background(), purchase.OrderFilter{StudentID: "stu-amina"})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	statuses := map[purchase.Status]int{}
	for _, o := range orders {
		statuses[o.Status]++
	}
	assert.Equal(t, 1, statuses[purchase.StatusPending])
	assert.Equal(t, 1, statuses[purchase.StatusRejected])
	s.assertReconciled()
}

func TestScenario_CashOut(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("cash-out")

	// Withdrawal is pending so nothing is debited for it; 300 reserved,
	// 100 of it paid as the premium.
	bal := s.balance("stu-grace")
	assert.Equal(t, int64(4700), bal.Available)
	assert.Equal(t, int64(200), bal.Insurance)
	assert.Equal(t, int64(5000), bal.Total)

	pending, err := s.h.Withdrawals.List(context.Background(), withdrawal.Filter{Status: withdrawal.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	s.assertReconciled()
}

func TestScenario_ReloadResetsDatabase(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("marketplace")
	s.loadScenario("sponsored-student")

	rec := s.do(http.MethodGet, "/api/students/stu-joseph/balance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sponsored-student", decodeBody[ScenarioDTO](t, rec).ID)
}

func TestScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), len(scenarios))
}
