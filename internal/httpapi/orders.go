package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/reconciler/internal/auth"
	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/service/orders"
)

const maxRequestBytes = 256 << 10

// decodeJSON читает тело запроса. Пустое тело допустимо, если allowEmpty.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return fmt.Errorf("%w: decode body: %v", orders.ErrInvalidRequest, err)
	}
	return nil
}

func (h *handlers) checkout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var req orders.CheckoutRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	req.CustomerID = id.Subject

	res, err := h.deps.Orders.Checkout(r.Context(), req)
	if err != nil {
		// Заказ создан и остался pending: его сведёт поздний webhook.
		if res.Order.ID != "" && res.Order.Status == domain.OrderStatusPending {
			_, code := errorStatus(err)
			h.logger.WithError(err).WithField("order_id", res.Order.ID).Warn("checkout accepted without payment intent")
			writeJSON(w, http.StatusAccepted, struct {
				Data  checkoutView `json:"data"`
				Error apiError     `json:"error"`
			}{
				Data:  checkoutView{Order: newOrderView(res.Order)},
				Error: apiError{Code: code, Message: err.Error()},
			})
			return
		}
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, checkoutView{
		Order:        newOrderView(res.Order),
		ClientHandle: res.ClientHandle,
		IntentStatus: res.IntentStatus,
	})
}

func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	order, err := h.deps.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	// Чужой заказ для клиента не существует.
	if !id.IsAdmin() && order.CustomerID != id.Subject {
		writeError(w, h.logger, domain.ErrOrderNotFound)
		return
	}
	writeData(w, http.StatusOK, newOrderView(order))
}

func (h *handlers) timeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.deps.Orders.Timeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, newTimelineViews(events))
}

func (h *handlers) refund(w http.ResponseWriter, r *http.Request) {
	var req orders.RefundRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, h.logger, err)
		return
	}
	req.OrderID = chi.URLParam(r, "id")

	res, err := h.deps.Orders.Refund(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusAccepted, newRefundView(res))
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := decodeJSON(r, &body, true); err != nil {
		writeError(w, h.logger, err)
		return
	}
	order, err := h.deps.Orders.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, newOrderView(order))
}

type fulfillmentBody struct {
	Status string `json:"status"`
}

func (h *handlers) fulfillment(w http.ResponseWriter, r *http.Request) {
	var body fulfillmentBody
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	order, err := h.deps.Orders.AdvanceFulfillment(r.Context(), chi.URLParam(r, "id"), domain.OrderStatus(body.Status))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, newOrderView(order))
}
