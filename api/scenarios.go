/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos and frontend development. Every scenario goes through
	the same engines as live traffic, so the data it leaves behind is a
	valid ledger that reconciles.

AVAILABLE SCENARIOS:

	sponsored-student:  $50/month sponsorship credited net of the 20% fee
	auto-invest:        1000 available, one sweep at 20% above a 150 threshold
	marketplace:        Catalog, one pending order, one refunded order
	cash-out:           Pending withdrawal, insurance reserve and policy

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Seed the settings records from configuration
 3. Create students
 4. Post through the engines (allocations, sweeps, checkouts, ...)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "auto-invest"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - server.go: /api/scenarios routes
  - handlers.go: SeedSettings
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/points-engine/insurance"
	"github.com/warp/points-engine/investment"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/purchase"
	"github.com/warp/points-engine/sponsorship"
	"github.com/warp/points-engine/withdrawal"
)

const scenarioActor = "system:scenario"

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type scenario struct {
	ScenarioDTO
	load func(h *Handler, ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "sponsored-student",
			Name:        "Sponsored Student",
			Description: "$50/month at 1000 points per dollar, 20% management fee",
			Category:    "allocation",
		},
		load: (*Handler).loadSponsoredStudentScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "auto-invest",
			Name:        "Auto-Investment",
			Description: "Monthly sweep of 20% of available points, one student below threshold",
			Category:    "investment",
		},
		load: (*Handler).loadAutoInvestScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "marketplace",
			Name:        "Marketplace",
			Description: "Vendor catalog with a pending order and a rejected, refunded order",
			Category:    "purchase",
		},
		load: (*Handler).loadMarketplaceScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "cash-out",
			Name:        "Cash Out",
			Description: "Pending withdrawal request plus an insurance reserve paying a premium",
			Category:    "withdrawal",
		},
		load: (*Handler).loadCashOutScenario,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario handles POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// LoadScenarioByID resets the database and loads the named scenario.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	s, ok := findScenario(id)
	if !ok {
		return points.Invalid("scenario_id", "unknown scenario %q", id)
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return points.OperationFailed("reset database", err)
	}
	h.currentScenario = ""
	if err := h.SeedSettings(ctx); err != nil {
		return err
	}
	if err := s.load(h, ctx); err != nil {
		return fmt.Errorf("failed to load scenario %s: %w", id, err)
	}
	h.currentScenario = id
	h.logger.Info("scenario loaded", zap.String("scenario", id))
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSponsoredStudentScenario(ctx context.Context) error {
	if err := h.scenarioStudent(ctx, "stu-amina", "Amina Okafor", 0); err != nil {
		return err
	}
	settings, err := h.AllocationSettings(ctx)
	if err != nil {
		return err
	}
	now := h.Recorder.Now()
	_, err = h.Allocations.Allocate(ctx, sponsorship.Request{
		StudentID:     "stu-amina",
		DonorID:       "donor-kline",
		SponsorshipID: "sp-amina-kline",
		MonthlyAmount: decimal.NewFromInt(50),
		Period:        investment.PeriodKey(now),
		Actor:         scenarioActor,
	}, settings)
	return err
}

func (h *Handler) loadAutoInvestScenario(ctx context.Context) error {
	if err := h.scenarioStudent(ctx, "stu-david", "David Mensah", 1000); err != nil {
		return err
	}
	if err := h.scenarioStudent(ctx, "stu-lena", "Lena Park", 500); err != nil {
		return err
	}

	settings, err := h.InvestmentSettings(ctx)
	if err != nil {
		return err
	}
	settings.AutoInvestEnabled = true
	settings.InvestmentPercentage = decimal.NewFromInt(20)
	settings.MinimumThreshold = 150
	if err := h.Store.PutSettings(ctx, SettingsInvestment, settings, scenarioActor); err != nil {
		return points.OperationFailed("save settings", err)
	}

	// 1000 -> 200 invested; 500 -> 100, below the threshold, skipped.
	_, err = h.Sweeper.Run(ctx, investment.PeriodKey(h.Recorder.Now()), settings)
	return err
}

func (h *Handler) loadMarketplaceScenario(ctx context.Context) error {
	if err := h.scenarioStudent(ctx, "stu-amina", "Amina Okafor", 500); err != nil {
		return err
	}
	if err := h.scenarioStudent(ctx, "stu-joseph", "Joseph Banda", 50); err != nil {
		return err
	}

	stock := 20
	items := []purchase.CatalogItem{
		{ID: "item-notebook", VendorID: "vendor-books", Name: "Notebook", PricePoints: 30, Stock: &stock, Active: true},
		{ID: "item-textbook", VendorID: "vendor-books", Name: "Biology textbook", PricePoints: 250, Active: true},
		{ID: "item-uniform", VendorID: "vendor-uniforms", Name: "School uniform", PricePoints: 60, Active: true},
	}
	for _, item := range items {
		if _, err := h.Purchases.SaveItem(ctx, item); err != nil {
			return err
		}
	}

	if _, err := h.Purchases.Checkout(ctx, purchase.Request{
		StudentID:      "stu-amina",
		Items:          []purchase.CartItem{{ItemID: "item-notebook", Quantity: 2}},
		IdempotencyKey: "scenario-cart-1",
		Actor:          "stu-amina",
	}); err != nil {
		return err
	}
	rejected, err := h.Purchases.Checkout(ctx, purchase.Request{
		StudentID:      "stu-amina",
		Items:          []purchase.CartItem{{ItemID: "item-uniform", Quantity: 1}},
		IdempotencyKey: "scenario-cart-2",
		Actor:          "stu-amina",
	})
	if err != nil {
		return err
	}
	_, err = h.Purchases.Reject(ctx, rejected.Order.ID, "size not in stock", "vendor-uniforms")
	return err
}

func (h *Handler) loadCashOutScenario(ctx context.Context) error {
	if err := h.scenarioStudent(ctx, "stu-grace", "Grace Achieng", 5000); err != nil {
		return err
	}

	settings, err := h.WithdrawalSettings(ctx)
	if err != nil {
		return err
	}
	if _, err := h.Withdrawals.Request(ctx, withdrawal.NewRequest{
		StudentID:      "stu-grace",
		Amount:         2000,
		Category:       withdrawal.CategoryEducation,
		Bank:           withdrawal.BankDetails{AccountName: "Grace Achieng", AccountNumber: "00123456", BankName: "Equity Bank"},
		IdempotencyKey: "scenario-withdrawal-1",
		Actor:          "stu-grace",
	}, settings); err != nil {
		return err
	}

	if _, err := h.Insurance.FundReserve(ctx, "stu-grace", 300, "scenario-reserve", "stu-grace"); err != nil {
		return err
	}
	now := h.Recorder.Now()
	policy, err := h.Insurance.Enroll(ctx, insurance.EnrollRequest{
		StudentID:      "stu-grace",
		Provider:       "Jubilee Health",
		PolicyNumber:   "JH-2041",
		CoverageAmount: decimal.NewFromInt(2500),
		PremiumAmount:  100,
		StartDate:      now,
		ExpiryDate:     now.AddDate(1, 0, 0),
		Actor:          scenarioActor,
	})
	if err != nil {
		return err
	}
	_, err = h.Insurance.ChargePremium(ctx, policy.ID, investment.PeriodKey(now), scenarioActor)
	return err
}

// scenarioStudent creates an active student and credits an opening bonus.
func (h *Handler) scenarioStudent(ctx context.Context, id points.StudentID, name string, opening points.Points) error {
	err := h.Store.CreateStudent(ctx, points.Student{ID: id, Name: name, Active: true, CreatedAt: h.Recorder.Now()})
	if err != nil {
		return err
	}
	if opening <= 0 {
		return nil
	}
	_, err = h.Recorder.Record(ctx, points.Entry{
		StudentID:   id,
		Type:        points.TxBonus,
		Category:    points.CategoryBonus,
		Amount:      opening,
		Description: "Opening balance",
		Actor:       scenarioActor,
	})
	return err
}
