package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/service/reconcile"
)

// webhook отвечает 200 на любое событие с валидной подписью, в том числе
// на дубликаты, неизвестные заказы и недопустимые переходы. Иначе провайдер
// будет повторять доставку бесконечно.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	name := domain.Provider(chi.URLParam(r, "provider"))

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.deps.MaxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{Code: CodeMalformedPayload, Message: "payload too large"}})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: apiError{Code: CodeMalformedPayload, Message: "read body failed"}})
		return
	}

	ack, err := h.deps.Webhooks.HandleWebhook(r.Context(), name, raw, r.Header)
	if err != nil && !(errors.Is(err, domain.ErrOrderNotFound) && ack.Outcome == reconcile.OutcomeOrderNotFound) {
		writeError(w, h.logger.WithField("provider", name), err)
		return
	}
	writeData(w, http.StatusOK, ack)
}
