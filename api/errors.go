package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-ledger/deals"
	"github.com/warp/fuel-ledger/inventory"
	"github.com/warp/fuel-ledger/pricing"
)

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeDomainError maps engine, pricing and deal errors to HTTP statuses.
//
//	NotFound                 404
//	Validation               400
//	Overlap (strict mode)    409 + overlap list
//	Insufficient (reject)    422 + shortfall
//	Concurrent modification  409
//	anything else            500
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		overlapErr *pricing.OverlapError
		shortErr   *inventory.InsufficientBalanceError
		validErr   *inventory.ValidationError
	)
	switch {
	case errors.As(err, &overlapErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   err.Error(),
			Code:    "overlap_detected",
			Details: toOverlapDTOs(overlapErr.Overlaps),
		})
	case errors.As(err, &shortErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Code:  "insufficient_balance",
			Details: ShortfallDTO{
				Available: shortErr.Available.String(),
				Requested: shortErr.Requested.String(),
				Shortfall: shortErr.Shortfall.String(),
			},
		})
	case errors.As(err, &validErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "validation_failed", Field: validErr.Field})
	case errors.Is(err, inventory.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case inventory.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, inventory.ErrConcurrentModification),
		errors.Is(err, inventory.ErrDuplicateWarehouse),
		errors.Is(err, pricing.ErrDuplicatePrice),
		errors.Is(err, deals.ErrDuplicate):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		h.logger.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		}).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}
