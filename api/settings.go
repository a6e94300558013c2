package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/points-engine/investment"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/sponsorship"
	"github.com/warp/points-engine/withdrawal"
)

// Names of the singleton settings records.
const (
	SettingsInvestment = "investment"
	SettingsAllocation = "allocation"
	SettingsWithdrawal = "withdrawal"
)

type settingsStore interface {
	GetSettings(ctx context.Context, name string, v any) (bool, error)
	PutSettings(ctx context.Context, name string, v any, actor string) error
}

// loadSettings returns the saved record for name layered over def. Fields
// missing from the saved JSON keep their default.
func loadSettings[T any](ctx context.Context, s settingsStore, name string, def T) (T, error) {
	v := def
	if _, err := s.GetSettings(ctx, name, &v); err != nil {
		return def, points.OperationFailed("load "+name+" settings", err)
	}
	return v, nil
}

func (h *Handler) InvestmentSettings(ctx context.Context) (investment.Settings, error) {
	return loadSettings(ctx, h.Store, SettingsInvestment, h.defaults.Investment)
}

func (h *Handler) AllocationSettings(ctx context.Context) (sponsorship.Settings, error) {
	return loadSettings(ctx, h.Store, SettingsAllocation, h.defaults.Allocation)
}

func (h *Handler) WithdrawalSettings(ctx context.Context) (withdrawal.Settings, error) {
	return loadSettings(ctx, h.Store, SettingsWithdrawal, h.defaults.Withdrawal)
}

// GetSettings handles GET /api/admin/settings/{kind}.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	var (
		v   any
		err error
	)
	switch chi.URLParam(r, "kind") {
	case SettingsInvestment:
		v, err = h.InvestmentSettings(r.Context())
	case SettingsAllocation:
		v, err = h.AllocationSettings(r.Context())
	case SettingsWithdrawal:
		v, err = h.WithdrawalSettings(r.Context())
	default:
		writeError(w, http.StatusNotFound, "Unknown settings record", nil)
		return
	}
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// PutSettings handles PUT /api/admin/settings/{kind}. The body is merged
// over the current record, validated, then saved.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	ctx := r.Context()

	var (
		v   any
		err error
	)
	switch kind {
	case SettingsInvestment:
		v, err = mergeSettings(r, h.InvestmentSettings)
	case SettingsAllocation:
		v, err = mergeSettings(r, h.AllocationSettings)
	case SettingsWithdrawal:
		v, err = mergeSettings(r, h.WithdrawalSettings)
	default:
		writeError(w, http.StatusNotFound, "Unknown settings record", nil)
		return
	}
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if err := h.Store.PutSettings(ctx, kind, v, actor(r)); err != nil {
		h.writeFailure(w, r, points.OperationFailed("save "+kind+" settings", err))
		return
	}
	h.logger.Info("settings updated", zap.String("name", kind), zap.String("actor", actor(r)))
	writeJSON(w, http.StatusOK, v)
}

type validator interface{ Validate() error }

func mergeSettings[T validator](r *http.Request, current func(context.Context) (T, error)) (T, error) {
	v, err := current(r.Context())
	if err != nil {
		return v, err
	}
	if err := decode(r, &v); err != nil {
		return v, points.Invalid("body", "%v", err)
	}
	if err := v.Validate(); err != nil {
		return v, err
	}
	return v, nil
}
