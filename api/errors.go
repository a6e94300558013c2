package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/points-engine/points"
)

// ErrorDTO is the body of every non-2xx response.
type ErrorDTO struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Details any    `json:"details,omitempty"`
}

// InsufficientDTO details a rejected debit.
type InsufficientDTO struct {
	Bucket    string `json:"bucket"`
	Available int64  `json:"available"`
	Requested int64  `json:"requested"`
	Shortfall int64  `json:"shortfall"`
}

// statusFor maps the ledger error taxonomy onto HTTP.
//
//	ValidationError         400
//	InsufficientFunds       402
//	NotFound                404
//	duplicate / transition  409
//	ConcurrencyConflict     409
//	InvariantViolation      500 (detail only in logs)
//	OperationFailed         503
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, points.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, points.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, points.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, points.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, points.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, points.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, points.ErrInvariantViolation):
		return http.StatusInternalServerError, "invariant_violation"
	case errors.Is(err, points.ErrOperationFailed):
		return http.StatusServiceUnavailable, "operation_failed"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeFailure renders a domain error. Server-side failures get a generic
// message; their detail goes to the log only.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	body := ErrorDTO{Error: err.Error(), Code: code}

	var ve *points.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	var ife *points.InsufficientFundsError
	if errors.As(err, &ife) {
		if ife.Bucket == points.BucketAvailable && r.Method == http.MethodPost && isCheckout(r) {
			body.Error = "insufficient points"
			body.Code = "insufficient_points"
		}
		body.Details = InsufficientDTO{
			Bucket:    string(ife.Bucket),
			Available: int64(ife.Available),
			Requested: int64(ife.Requested),
			Shortfall: int64(ife.Shortfall()),
		}
	}

	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	switch {
	case status == http.StatusInternalServerError:
		h.logger.Error("request failed", fields...)
		body.Error = "internal error, the operation has been logged for review"
	case status == http.StatusServiceUnavailable:
		h.logger.Warn("request failed", fields...)
		body.Error = "the operation could not be completed, please retry"
	default:
		h.logger.Debug("request rejected", fields...)
	}
	writeJSON(w, status, body)
}

// writeError is for request-level problems caught before the domain runs.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	body := ErrorDTO{Error: message, Code: http.StatusText(status)}
	if err != nil {
		body.Details = err.Error()
	}
	writeJSON(w, status, body)
}
