/*
handlers.go - HTTP API handlers for the points ledger

PURPOSE:
  Exposes the points ledger and its engines via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engines.
  Handlers never touch balances directly; every movement goes through an
  engine and therefore through the Recorder.

ENDPOINTS:
  Students:
    GET    /api/students                       List students
    POST   /api/students                       Create student (zero balance)
    GET    /api/students/{id}/balance          Balance snapshot
    GET    /api/students/{id}/transactions     History, newest first
    GET    /api/students/{id}/reconcile        Drift report

  Commands (respond with the balance after posting):
    POST   /api/allocations                    Sponsorship allocation (period or Idempotency-Key)
    POST   /api/students/{id}/checkout         Checkout (Idempotency-Key)
    POST   /api/students/{id}/withdrawals      Withdrawal request (Idempotency-Key)
    POST   /api/admin/bonuses                  Bonus / penalty

  See server.go for the full route table.

ACTOR:
  X-Actor-ID identifies who issued the command and is recorded as the
  transaction's CreatedBy. Authentication is out of scope.

ERROR HANDLING:
  Domain errors are mapped in errors.go:
  - 400: ValidationError
  - 402: InsufficientFunds
  - 404: Not found
  - 409: Duplicate, invalid transition, concurrency conflict
  - 500: Invariant violation (generic message)
  - 503: Operation failed (generic message)

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/insurance"
	"github.com/warp/points-engine/investment"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/purchase"
	"github.com/warp/points-engine/sponsorship"
	"github.com/warp/points-engine/store/sqlstore"
	"github.com/warp/points-engine/withdrawal"
)

// ActorHeader carries the id of whoever issued a command.
const ActorHeader = "X-Actor-ID"

// IdempotencyHeader carries a client-chosen key for command retries.
const IdempotencyHeader = "Idempotency-Key"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       *sqlstore.Store
	Recorder    *points.Recorder
	Reconciler  *points.Reconciler
	Allocations *sponsorship.Engine
	Sweeper     *investment.Sweeper
	Investments *investment.Service
	Purchases   *purchase.Engine
	Withdrawals *withdrawal.Engine
	Insurance   *insurance.Service

	defaults config.Defaults
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	scenarioMu      sync.Mutex
	currentScenario string
}

// Options configure NewHandler. Zero values fall back to defaults.
type Options struct {
	Logger           *zap.Logger
	Registry         *prometheus.Registry
	Defaults         config.Defaults
	MaxAttempts      int
	StoreTimeout     time.Duration
	SweepConcurrency int
	Clock            func() time.Time
}

// NewHandler wires every engine onto store.
func NewHandler(store *sqlstore.Store, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if opts.Defaults == (config.Defaults{}) {
		opts.Defaults = config.Defaults{
			Investment: investment.DefaultSettings(),
			Allocation: sponsorship.DefaultSettings(),
			Withdrawal: withdrawal.DefaultSettings(),
		}
	}

	ledgerMetrics := points.MustNewMetrics(reg)
	recOpts := []points.RecorderOption{
		points.WithLogger(logger),
		points.WithMetrics(ledgerMetrics),
	}
	if opts.MaxAttempts > 0 {
		recOpts = append(recOpts, points.WithMaxAttempts(opts.MaxAttempts))
	}
	if opts.StoreTimeout > 0 {
		recOpts = append(recOpts, points.WithTimeout(opts.StoreTimeout))
	}
	if opts.Clock != nil {
		recOpts = append(recOpts, points.WithClock(opts.Clock))
	}
	recorder := points.NewRecorder(store, recOpts...)
	reconciler := points.NewReconciler(store, logger, ledgerMetrics)

	invMetrics := investment.MustNewMetrics(reg)
	sweepOpts := []investment.SweeperOption{
		investment.WithSweeperMetrics(invMetrics),
		investment.WithReconciler(reconciler),
	}
	if opts.SweepConcurrency > 0 {
		sweepOpts = append(sweepOpts, investment.WithConcurrency(opts.SweepConcurrency))
	}

	return &Handler{
		Store:       store,
		Recorder:    recorder,
		Reconciler:  reconciler,
		Allocations: sponsorship.NewEngine(recorder, store, logger),
		Sweeper:     investment.NewSweeper(recorder, store, logger, sweepOpts...),
		Investments: investment.NewService(recorder, store, logger, invMetrics),
		Purchases:   purchase.NewEngine(recorder, store, logger),
		Withdrawals: withdrawal.NewEngine(recorder, store, logger),
		Insurance:   insurance.NewService(recorder, store, logger),
		defaults:    opts.Defaults,
		gatherer:    reg,
		logger:      logger.Named("api"),
	}
}

// SeedSettings saves the configured defaults for every settings record
// that has never been saved.
func (h *Handler) SeedSettings(ctx context.Context) error {
	seeds := map[string]any{
		SettingsInvestment: h.defaults.Investment,
		SettingsAllocation: h.defaults.Allocation,
		SettingsWithdrawal: h.defaults.Withdrawal,
	}
	for name, def := range seeds {
		var raw json.RawMessage
		found, err := h.Store.GetSettings(ctx, name, &raw)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		if err := h.Store.PutSettings(ctx, name, def, "system:seed"); err != nil {
			return err
		}
		h.logger.Info("settings seeded", zap.String("name", name))
	}
	return nil
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// ListStudents handles GET /api/students
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.Store.ListStudents(r.Context())
	if err != nil {
		h.writeFailure(w, r, points.OperationFailed("list students", err))
		return
	}
	dtos := make([]StudentDTO, 0, len(students))
	for _, s := range students {
		dtos = append(dtos, toStudentDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateStudent handles POST /api/students
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req CreateStudentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if strings.TrimSpace(req.Name) == "" {
		h.writeFailure(w, r, points.Invalid("name", "is required"))
		return
	}
	student := points.Student{
		ID:        points.StudentID(req.ID),
		Name:      req.Name,
		Active:    req.Active == nil || *req.Active,
		CreatedAt: h.Recorder.Now(),
	}
	if err := h.Store.CreateStudent(r.Context(), student); err != nil {
		h.writeFailure(w, r, points.OperationFailed("create student", err))
		return
	}
	writeJSON(w, http.StatusCreated, toStudentDTO(student))
}

// GetBalance handles GET /api/students/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Store.GetBalance(r.Context(), studentID(r))
	if err != nil {
		h.writeFailure(w, r, points.OperationFailed("get balance", err))
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// GetTransactions handles GET /api/students/{id}/transactions
//
// Query: limit, category, from, to (YYYY-MM-DD). Newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := studentID(r)
	q := r.URL.Query()
	filter := points.TransactionFilter{Descending: true}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeFailure(w, r, points.Invalid("limit", "must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	if v := q.Get("category"); v != "" {
		c, err := points.ParseCategory(v)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		filter.Category = c
	}
	var err error
	if filter.From, err = parseDate(q.Get("from"), "from"); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if filter.To, err = parseDate(q.Get("to"), "to"); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if !filter.To.IsZero() {
		filter.To = filter.To.AddDate(0, 0, 1)
	}

	if _, err := h.Store.GetBalance(r.Context(), id); err != nil {
		h.writeFailure(w, r, points.OperationFailed("get balance", err))
		return
	}
	txs, err := h.Store.ListTransactions(r.Context(), id, filter)
	if err != nil {
		h.writeFailure(w, r, points.OperationFailed("list transactions", err))
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// Reconcile handles GET /api/students/{id}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reconciler.Reconcile(r.Context(), studentID(r))
	if err != nil {
		h.writeFailure(w, r, points.OperationFailed("reconcile", err))
		return
	}
	writeJSON(w, http.StatusOK, toReconcileDTO(rep))
}

// ReconcileAll handles POST /api/admin/reconcile
func (h *Handler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Reconciler.ReconcileAll(r.Context())
	if err != nil {
		h.writeFailure(w, r, points.OperationFailed("reconcile", err))
		return
	}
	dtos := make([]ReconcileDTO, 0, len(reports))
	for _, rep := range reports {
		dtos = append(dtos, toReconcileDTO(rep))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ALLOCATIONS AND ADJUSTMENTS
// =============================================================================

// Allocate handles POST /api/allocations
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	settings, err := h.AllocationSettings(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	}
	alloc, err := h.Allocations.Allocate(r.Context(), sponsorship.Request{
		StudentID:      points.StudentID(req.StudentID),
		DonorID:        req.DonorID,
		SponsorshipID:  req.SponsorshipID,
		MonthlyAmount:  req.MonthlyAmount,
		Period:         req.Period,
		IdempotencyKey: req.IdempotencyKey,
		Actor:          actor(r),
	}, settings)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	status := http.StatusCreated
	if alloc.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, AllocationDTO{
		Transaction:    toTransactionDTO(alloc.Transaction),
		Balance:        toBalanceDTO(alloc.Balance),
		GrossAmount:    alloc.GrossAmount,
		NetAmount:      alloc.NetAmount,
		FeeAmount:      alloc.FeeAmount,
		PointsCredited: int64(alloc.PointsCredited),
		Duplicate:      alloc.Duplicate,
	})
}

// Adjust handles POST /api/admin/bonuses. A positive amount is a bonus,
// a negative amount a penalty.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Amount == 0 {
		h.writeFailure(w, r, points.Invalid("amount", "must not be zero"))
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		h.writeFailure(w, r, points.Invalid("description", "is required"))
		return
	}
	entry := points.Entry{
		StudentID:      points.StudentID(req.StudentID),
		Type:           points.TxBonus,
		Category:       points.CategoryBonus,
		Amount:         points.Points(req.Amount),
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		Actor:          actor(r),
	}
	if req.Amount < 0 {
		entry.Type = points.TxPenalty
		entry.Category = points.CategoryPenalty
	}
	receipt, err := h.Recorder.Record(r.Context(), entry)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeReceipt(w, receipt)
}

// Fees handles GET /api/admin/fees?kind=
func (h *Handler) Fees(w http.ResponseWriter, r *http.Request) {
	kind := points.FeeKind(r.URL.Query().Get("kind"))
	switch kind {
	case "", points.FeeManagement, points.FeeWithdrawal:
	default:
		h.writeFailure(w, r, points.Invalid("kind", "unknown fee kind %q", kind))
		return
	}
	totals, fees, err := sponsorship.TotalFees(r.Context(), h.Store, kind)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	dtos := make([]FeeDTO, 0, len(fees))
	for _, f := range fees {
		dtos = append(dtos, toFeeDTO(f))
	}
	writeJSON(w, http.StatusOK, FeeReportDTO{
		Kind:        string(kind),
		Count:       totals.Count,
		TotalAmount: totals.Amount,
		TotalPoints: int64(totals.Points),
		Fees:        dtos,
	})
}

// =============================================================================
// INVESTMENT HANDLERS
// =============================================================================

// StudentInvestments handles GET /api/students/{id}/investments?status=
func (h *Handler) StudentInvestments(w http.ResponseWriter, r *http.Request) {
	invs, err := h.Investments.List(r.Context(), investment.Filter{
		StudentID: studentID(r),
		Status:    investment.Status(r.URL.Query().Get("status")),
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvestmentDTOs(invs))
}

// GetInvestment handles GET /api/investments/{id}
func (h *Handler) GetInvestment(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Investments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvestmentDTO(inv))
}

// RunSweep handles POST /api/admin/sweeps
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Period == "" {
		req.Period = investment.PeriodKey(h.Recorder.Now())
	}
	settings, err := h.InvestmentSettings(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	summary, err := h.Sweeper.Run(r.Context(), req.Period, settings)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Invest handles POST /api/admin/investments
func (h *Handler) Invest(w http.ResponseWriter, r *http.Request) {
	var req InvestRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	settings, err := h.InvestmentSettings(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if req.Platform == "" {
		req.Platform = settings.InvestmentPlatform
	}
	if req.Type == "" {
		req.Type = settings.InvestmentType
	}
	if req.ExpectedReturnRate.IsZero() {
		req.ExpectedReturnRate = settings.ExpectedReturnRate
	}
	if req.MaturityDays == 0 {
		req.MaturityDays = settings.MaturityDays
	}
	res, err := h.Investments.Invest(r.Context(), investment.InvestRequest{
		StudentID:          points.StudentID(req.StudentID),
		Amount:             points.Points(req.Amount),
		Platform:           req.Platform,
		Type:               req.Type,
		ExpectedReturnRate: req.ExpectedReturnRate,
		MaturityDays:       req.MaturityDays,
		IdempotencyKey:     req.IdempotencyKey,
		Actor:              actor(r),
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, InvestmentResultDTO{
		Investment: toInvestmentDTO(res.Investment),
		Balance:    toBalanceDTO(res.Balance),
	})
}

// MatureInvestments handles POST /api/admin/investments/mature
func (h *Handler) MatureInvestments(w http.ResponseWriter, r *http.Request) {
	var req MatureRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	asOf := h.Recorder.Now()
	if req.AsOf != "" {
		d, err := parseDate(req.AsOf, "as_of")
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		asOf = d
	}
	report, err := h.Investments.Mature(r.Context(), asOf)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	failures := report.Failures
	if failures == nil {
		failures = []investment.Failure{}
	}
	writeJSON(w, http.StatusOK, MaturityDTO{
		Completed: toInvestmentDTOs(report.Completed),
		Failures:  failures,
	})
}

// LiquidateInvestment handles POST /api/admin/investments/{id}/liquidate
func (h *Handler) LiquidateInvestment(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Investments.Liquidate(r.Context(), chi.URLParam(r, "id"), req.CurrentValue, actor(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, InvestmentResultDTO{
		Investment: toInvestmentDTO(res.Investment),
		Balance:    toBalanceDTO(res.Balance),
	})
}

// FailInvestment handles POST /api/admin/investments/{id}/fail
func (h *Handler) FailInvestment(w http.ResponseWriter, r *http.Request) {
	res, err := h.Investments.MarkFailed(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, InvestmentResultDTO{
		Investment: toInvestmentDTO(res.Investment),
		Balance:    toBalanceDTO(res.Balance),
	})
}

// =============================================================================
// CATALOG AND ORDER HANDLERS
// =============================================================================

// ListCatalog handles GET /api/catalog?vendor=&all=true
func (h *Handler) ListCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := h.Purchases.Items(r.Context(), q.Get("vendor"), q.Get("all") != "true")
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if items == nil {
		items = []purchase.CatalogItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// SaveCatalogItem handles POST /api/catalog
func (h *Handler) SaveCatalogItem(w http.ResponseWriter, r *http.Request) {
	var item purchase.CatalogItem
	if err := decode(r, &item); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	saved, err := h.Purchases.SaveItem(r.Context(), item)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// Checkout handles POST /api/students/{id}/checkout
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		key = req.IdempotencyKey
	}
	res, err := h.Purchases.Checkout(r.Context(), purchase.Request{
		StudentID:      studentID(r),
		Items:          req.Items,
		IdempotencyKey: key,
		Actor:          actor(r),
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, CheckoutDTO{
		Order:     res.Order,
		Balance:   toBalanceDTO(res.Balance),
		Duplicate: res.Duplicate,
	})
}

// StudentOrders handles GET /api/students/{id}/orders?status=
func (h *Handler) StudentOrders(w http.ResponseWriter, r *http.Request) {
	h.listOrders(w, r, purchase.OrderFilter{
		StudentID: studentID(r),
		Status:    purchase.Status(r.URL.Query().Get("status")),
	})
}

// ListOrders handles GET /api/orders?vendor=&status=
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.listOrders(w, r, purchase.OrderFilter{
		VendorID: q.Get("vendor"),
		Status:   purchase.Status(q.Get("status")),
	})
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request, f purchase.OrderFilter) {
	orders, err := h.Purchases.Orders(r.Context(), f)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if orders == nil {
		orders = []purchase.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Purchases.Order(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// OrderAction handles POST /api/orders/{id}/{action} for approve, fulfill,
// reject and cancel.
func (h *Handler) OrderAction(w http.ResponseWriter, r *http.Request) {
	var req OrderActionRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var (
		t   purchase.Transition
		err error
	)
	switch chi.URLParam(r, "action") {
	case "approve":
		t, err = h.Purchases.Approve(ctx, id, actor(r))
	case "fulfill":
		t, err = h.Purchases.Fulfill(ctx, id, actor(r))
	case "reject":
		t, err = h.Purchases.Reject(ctx, id, req.Reason, actor(r))
	case "cancel":
		t, err = h.Purchases.Cancel(ctx, id, req.Reason, actor(r))
	default:
		writeError(w, http.StatusNotFound, "Unknown order action", nil)
		return
	}
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	dto := TransitionDTO{Order: t.Order}
	if t.Balance != nil {
		b := toBalanceDTO(*t.Balance)
		dto.Balance = &b
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// WITHDRAWAL HANDLERS
// =============================================================================

// RequestWithdrawal handles POST /api/students/{id}/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	category, err := withdrawal.ParseCategory(req.Category)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	settings, err := h.WithdrawalSettings(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		key = req.IdempotencyKey
	}
	sub, err := h.Withdrawals.Request(r.Context(), withdrawal.NewRequest{
		StudentID:      studentID(r),
		Amount:         points.Points(req.Amount),
		Category:       category,
		Bank:           req.Bank,
		IdempotencyKey: key,
		Actor:          actor(r),
	}, settings)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	status := http.StatusCreated
	if sub.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, sub.Withdrawal)
}

// StudentWithdrawals handles GET /api/students/{id}/withdrawals
func (h *Handler) StudentWithdrawals(w http.ResponseWriter, r *http.Request) {
	h.listWithdrawals(w, r, withdrawal.Filter{
		StudentID: studentID(r),
		Status:    withdrawal.Status(r.URL.Query().Get("status")),
	})
}

// ListWithdrawals handles GET /api/admin/withdrawals?status=
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	h.listWithdrawals(w, r, withdrawal.Filter{Status: withdrawal.Status(r.URL.Query().Get("status"))})
}

func (h *Handler) listWithdrawals(w http.ResponseWriter, r *http.Request, f withdrawal.Filter) {
	list, err := h.Withdrawals.List(r.Context(), f)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if list == nil {
		list = []withdrawal.Withdrawal{}
	}
	writeJSON(w, http.StatusOK, list)
}

// WithdrawalAction handles POST /api/admin/withdrawals/{id}/{action} for
// approve, reject and process.
func (h *Handler) WithdrawalAction(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	switch chi.URLParam(r, "action") {
	case "approve":
		settings, err := h.WithdrawalSettings(ctx)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		a, err := h.Withdrawals.Approve(ctx, id, actor(r), settings)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		dto := ApprovalDTO{Withdrawal: a.Withdrawal, Balance: toBalanceDTO(a.Balance)}
		if a.Fee != nil {
			f := toFeeDTO(*a.Fee)
			dto.Fee = &f
		}
		writeJSON(w, http.StatusOK, dto)
	case "reject":
		wd, err := h.Withdrawals.Reject(ctx, id, req.Reason, actor(r))
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wd)
	case "process":
		wd, err := h.Withdrawals.MarkProcessed(ctx, id, actor(r))
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wd)
	default:
		writeError(w, http.StatusNotFound, "Unknown withdrawal action", nil)
	}
}

// =============================================================================
// INSURANCE HANDLERS
// =============================================================================

// EnrollPolicy handles POST /api/admin/insurance/policies
func (h *Handler) EnrollPolicy(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	start, err := parseDate(req.StartDate, "start_date")
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	expiry, err := parseDate(req.ExpiryDate, "expiry_date")
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	p, err := h.Insurance.Enroll(r.Context(), insurance.EnrollRequest{
		StudentID:      points.StudentID(req.StudentID),
		Provider:       req.Provider,
		PolicyNumber:   req.PolicyNumber,
		CoverageAmount: req.CoverageAmount,
		PremiumAmount:  points.Points(req.PremiumAmount),
		StartDate:      start,
		ExpiryDate:     expiry,
		Actor:          actor(r),
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// StudentPolicies handles GET /api/students/{id}/policies
func (h *Handler) StudentPolicies(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Insurance.List(r.Context(), insurance.Filter{
		StudentID: studentID(r),
		Status:    insurance.Status(r.URL.Query().Get("status")),
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if ps == nil {
		ps = []insurance.Policy{}
	}
	writeJSON(w, http.StatusOK, ps)
}

// ChargePremium handles POST /api/admin/insurance/policies/{id}/premium
func (h *Handler) ChargePremium(w http.ResponseWriter, r *http.Request) {
	var req PremiumRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Period == "" {
		req.Period = investment.PeriodKey(h.Recorder.Now())
	}
	c, err := h.Insurance.ChargePremium(r.Context(), chi.URLParam(r, "id"), req.Period, actor(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChargeDTO{
		PolicyID:    c.Policy.ID,
		Receipt:     toReceiptDTO(c.Receipt),
		FromReserve: c.FromReserve,
	})
}

// CancelPolicy handles POST /api/admin/insurance/policies/{id}/cancel
func (h *Handler) CancelPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Insurance.Cancel(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// FundReserve handles POST /api/students/{id}/insurance/reserve
func (h *Handler) FundReserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	receipt, err := h.Insurance.FundReserve(r.Context(), studentID(r), points.Points(req.Amount), req.IdempotencyKey, actor(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeReceipt(w, receipt)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeReceipt(w http.ResponseWriter, receipt points.Receipt) {
	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, toReceiptDTO(receipt))
}

func toStudentDTO(s points.Student) StudentDTO {
	dto := StudentDTO{ID: string(s.ID), Name: s.Name, Active: s.Active}
	if !s.CreatedAt.IsZero() {
		dto.CreatedAt = s.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeOptional is decode for endpoints whose body may be empty.
func decodeOptional(r *http.Request, v any) error {
	if err := decode(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return "anonymous"
}

func studentID(r *http.Request) points.StudentID {
	return points.StudentID(chi.URLParam(r, "id"))
}

func isCheckout(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/checkout")
}

// parseDate accepts YYYY-MM-DD or RFC 3339. Empty input is the zero time.
func parseDate(s, field string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, points.Invalid(field, "invalid date %q (use YYYY-MM-DD)", s)
	}
	return t, nil
}
