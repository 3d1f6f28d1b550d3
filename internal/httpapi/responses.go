package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/auth"
	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
	"github.com/vladislavdragonenkov/reconciler/internal/service/commission"
	"github.com/vladislavdragonenkov/reconciler/internal/service/orders"
)

// Коды ошибок в ответах API.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeConflict            = "conflict"
	CodeIllegalTransition   = "illegal_transition"
	CodeSignatureInvalid    = "signature_invalid"
	CodeMalformedPayload    = "malformed_payload"
	CodeUnknownProvider     = "unknown_provider"
	CodeProviderUnavailable = "provider_unavailable"
	CodeInvalidAmount       = "invalid_amount"
	CodeAlreadyRefunded     = "already_refunded"
	CodeInventory           = "inventory_unavailable"
	CodeCoupon              = "coupon_invalid"
	CodeInternal            = "internal"
)

type successEnvelope struct {
	Data any `json:"data"`
}

type apiError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successEnvelope{Data: data})
}

// errorStatus — единственное место, где ошибки домена превращаются в HTTP-статусы.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, orders.ErrInvalidRequest), errors.Is(err, commission.ErrInvalidRange),
		errors.Is(err, commission.ErrRateInvalid), errors.Is(err, domain.ErrOrderIDRequired):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, provider.ErrMalformedPayload):
		return http.StatusBadRequest, CodeMalformedPayload
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, provider.ErrSignatureInvalid):
		return http.StatusUnauthorized, CodeSignatureInvalid
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusNotFound, CodeUnknownProvider
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrCommissionNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, provider.ErrAlreadyRefunded):
		return http.StatusConflict, CodeAlreadyRefunded
	case errors.Is(err, domain.ErrIllegalTransition):
		return http.StatusConflict, CodeIllegalTransition
	case errors.Is(err, domain.ErrCommissionSettled), errors.Is(err, domain.ErrOrderVersionConflict),
		errors.Is(err, orders.ErrNoProviderReference), errors.Is(err, commission.ErrNotAccruable):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, provider.ErrInvalidAmount), errors.Is(err, provider.ErrRequestRejected):
		return http.StatusUnprocessableEntity, CodeInvalidAmount
	case errors.Is(err, domain.ErrInventoryUnavailable):
		return http.StatusUnprocessableEntity, CodeInventory
	case errors.Is(err, domain.ErrCouponInvalid):
		return http.StatusUnprocessableEntity, CodeCoupon
	case errors.Is(err, provider.ErrProviderUnavailable), errors.Is(err, provider.ErrCircuitOpen):
		return http.StatusServiceUnavailable, CodeProviderUnavailable
	}
	return http.StatusInternalServerError, CodeInternal
}

func writeError(w http.ResponseWriter, logger *log.Entry, err error) {
	status, code := errorStatus(err)
	body := apiError{Code: code, Message: err.Error()}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
		logger.WithError(err).Error("request failed")
	}
	var verr *orders.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}
