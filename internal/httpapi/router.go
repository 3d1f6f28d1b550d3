// Package httpapi публикует webhook-приёмник, оформление заказа и
// административные операции по HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/auth"
	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
	"github.com/vladislavdragonenkov/reconciler/internal/service/commission"
	"github.com/vladislavdragonenkov/reconciler/internal/service/orders"
	"github.com/vladislavdragonenkov/reconciler/internal/service/reconcile"
)

// DefaultMaxWebhookBytes ограничивает тело webhook.
const DefaultMaxWebhookBytes = 1 << 20

// WebhookHandler принимает доставки провайдеров.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, name domain.Provider, raw []byte, headers http.Header) (reconcile.Ack, error)
}

// OrderService — операции над заказами.
type OrderService interface {
	Checkout(ctx context.Context, req orders.CheckoutRequest) (orders.CheckoutResult, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error)
	Refund(ctx context.Context, req orders.RefundRequest) (provider.RefundResult, error)
	Cancel(ctx context.Context, orderID, reason string) (domain.Order, error)
	AdvanceFulfillment(ctx context.Context, orderID string, target domain.OrderStatus) (domain.Order, error)
}

// CommissionService — отчёты и выплаты комиссий.
type CommissionService interface {
	Summary(ctx context.Context, from, to time.Time) (commission.Summary, error)
	Daily(ctx context.Context, n int) ([]commission.Bucket, error)
	Monthly(ctx context.Context, n int) ([]commission.Bucket, error)
	ByOrder(ctx context.Context, limit, offset int) ([]domain.CommissionEntry, error)
	Pending(ctx context.Context) ([]domain.CommissionEntry, error)
	Settle(ctx context.Context, orderID string) (domain.CommissionEntry, error)
	SetRate(role string, percent decimal.Decimal) (commission.RateTable, error)
}

// Deps — зависимости роутера.
type Deps struct {
	Webhooks    WebhookHandler
	Orders      OrderService
	Commissions CommissionService
	Verifier    *auth.Verifier
	// MaxWebhookBytes <= 0 означает DefaultMaxWebhookBytes.
	MaxWebhookBytes int64
}

type handlers struct {
	deps   Deps
	logger *log.Entry
}

// NewRouter собирает chi-роутер API.
func NewRouter(deps Deps, logger *log.Entry) http.Handler {
	if logger == nil {
		logger = log.WithField("component", "httpapi")
	}
	if deps.MaxWebhookBytes <= 0 {
		deps.MaxWebhookBytes = DefaultMaxWebhookBytes
	}
	h := &handlers{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		recoverer(logger),
		requestLogger(logger),
	)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorEnvelope{Error: apiError{Code: CodeNotFound, Message: "route not found"}})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorEnvelope{Error: apiError{Code: CodeInvalidRequest, Message: "method not allowed"}})
	})

	r.Post("/webhooks/{provider}", h.webhook)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authenticate(deps.Verifier, logger))

		r.With(requireRole(auth.RoleCustomer, logger)).Post("/checkout", h.checkout)
		r.With(requireRole(auth.RoleCustomer, logger)).Get("/orders/{id}", h.getOrder)
		r.With(requireRole(auth.RoleAdmin, logger)).Get("/orders/{id}/timeline", h.timeline)

		r.Route("/admin", func(r chi.Router) {
			r.Route("/orders/{id}", func(r chi.Router) {
				r.Use(requireRole(auth.RoleAdmin, logger))
				r.Post("/refund", h.refund)
				r.Post("/cancel", h.cancel)
				r.Post("/fulfillment", h.fulfillment)
			})
			r.Route("/commissions", func(r chi.Router) {
				r.Use(requireRole(auth.RolePlatformOperator, logger))
				r.Get("/summary", h.commissionSummary)
				r.Get("/daily", h.commissionDaily)
				r.Get("/monthly", h.commissionMonthly)
				r.Get("/orders", h.commissionOrders)
				r.Get("/pending", h.commissionPending)
				r.Put("/rate", h.setRate)
				r.Post("/{order_id}/settle", h.settle)
			})
		})
	})
	return r
}
