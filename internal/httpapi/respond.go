package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"gstpos/backend/internal/checkout"
	"gstpos/backend/internal/service"
	"gstpos/backend/internal/store"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	ProductID string `json:"product_id,omitempty"`
	Available *int   `json:"available,omitempty"`
	Requested *int   `json:"requested,omitempty"`
}

// classify maps a service error onto an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, checkout.ErrEmptyCart):
		return http.StatusBadRequest, "empty_cart"
	case errors.Is(err, checkout.ErrInvalidPaymentMethod):
		return http.StatusBadRequest, "invalid_payment_method"
	case errors.Is(err, checkout.ErrInsufficientPayment):
		return http.StatusBadRequest, "insufficient_payment"
	case errors.Is(err, checkout.ErrInvalidRequest), errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, checkout.ErrUnknownProduct):
		return http.StatusNotFound, "unknown_product"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, checkout.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, checkout.ErrConcurrentStockConflict):
		return http.StatusConflict, "stock_conflict"
	case errors.Is(err, checkout.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicateInvoice):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	body := errorBody{Error: err.Error(), Code: code}

	var unknown *checkout.UnknownProductError
	var shortage *checkout.InsufficientStockError
	var conflict *checkout.StockConflictError
	switch {
	case errors.As(err, &unknown):
		body.ProductID = unknown.ProductID
	case errors.As(err, &shortage):
		body.ProductID = shortage.ProductID
		body.Available = &shortage.Available
		body.Requested = &shortage.Requested
	case errors.As(err, &conflict):
		body.ProductID = conflict.ProductID
	}

	a.writeBody(w, r, status, body, err)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	a.writeBody(w, r, status, errorBody{Error: err.Error(), Code: code}, err)
}

func (a *API) writeBody(w http.ResponseWriter, r *http.Request, status int, body errorBody, err error) {
	// 5xx bodies never carry internal details.
	if status >= 500 {
		zerolog.Ctx(r.Context()).Error().Err(err).Int("status", status).Msg("internal error")
		body = errorBody{Error: "internal server error", Code: "internal"}
	}
	writeJSON(w, status, body)
}

func (a *API) writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		a.writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", errors.New("request body too large"))
		return
	}
	a.writeError(w, r, http.StatusBadRequest, "invalid_request", err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
