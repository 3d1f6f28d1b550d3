package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reconciler/internal/auth"
	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
	"github.com/vladislavdragonenkov/reconciler/internal/service/commission"
	"github.com/vladislavdragonenkov/reconciler/internal/service/orders"
	"github.com/vladislavdragonenkov/reconciler/internal/service/reconcile"
)

type fakeWebhooks struct {
	ack  reconcile.Ack
	err  error
	body []byte
}

func (f *fakeWebhooks) HandleWebhook(_ context.Context, name domain.Provider, raw []byte, _ http.Header) (reconcile.Ack, error) {
	f.body = raw
	ack := f.ack
	ack.Provider = name
	return ack, f.err
}

type fakeOrders struct {
	order       domain.Order
	checkoutErr error
	err         error
	lastRefund  orders.RefundRequest
	lastTarget  domain.OrderStatus
	lastReason  string
	lastRequest orders.CheckoutRequest
}

func (f *fakeOrders) Checkout(_ context.Context, req orders.CheckoutRequest) (orders.CheckoutResult, error) {
	f.lastRequest = req
	if f.checkoutErr != nil {
		return orders.CheckoutResult{Order: f.order}, f.checkoutErr
	}
	order := f.order
	order.CustomerID = req.CustomerID
	return orders.CheckoutResult{Order: order, ClientHandle: "secret_1", IntentStatus: "requires_payment_method"}, nil
}

func (f *fakeOrders) Get(_ context.Context, orderID string) (domain.Order, error) {
	if f.err != nil {
		return domain.Order{}, f.err
	}
	if orderID != f.order.ID {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return f.order, nil
}

func (f *fakeOrders) Timeline(_ context.Context, _ string) ([]domain.TimelineEvent, error) {
	return []domain.TimelineEvent{{OrderID: f.order.ID, Type: domain.TimelineOrderCreated, Reason: "checkout", Occurred: time.Now()}}, f.err
}

func (f *fakeOrders) Refund(_ context.Context, req orders.RefundRequest) (provider.RefundResult, error) {
	f.lastRefund = req
	if f.err != nil {
		return provider.RefundResult{}, f.err
	}
	return provider.RefundResult{Reference: "re_1", Status: "pending", AmountMinor: 500}, nil
}

func (f *fakeOrders) Cancel(_ context.Context, _ string, reason string) (domain.Order, error) {
	f.lastReason = reason
	order := f.order
	order.Status = domain.OrderStatusCancelled
	return order, f.err
}

func (f *fakeOrders) AdvanceFulfillment(_ context.Context, _ string, target domain.OrderStatus) (domain.Order, error) {
	f.lastTarget = target
	order := f.order
	order.Status = target
	return order, f.err
}

type fakeCommissions struct {
	settleErr error
	lastN     int
	lastRole  string
}

func (f *fakeCommissions) Summary(_ context.Context, from, to time.Time) (commission.Summary, error) {
	if !to.After(from) {
		return commission.Summary{}, commission.ErrInvalidRange
	}
	return commission.Summary{From: from, To: to, Orders: 2}, nil
}

func (f *fakeCommissions) Daily(_ context.Context, n int) ([]commission.Bucket, error) {
	f.lastN = n
	return make([]commission.Bucket, n), nil
}

func (f *fakeCommissions) Monthly(_ context.Context, n int) ([]commission.Bucket, error) {
	f.lastN = n
	return make([]commission.Bucket, n), nil
}

func (f *fakeCommissions) ByOrder(_ context.Context, _, _ int) ([]domain.CommissionEntry, error) {
	return []domain.CommissionEntry{{OrderID: "o-1", Currency: "USD", AmountMinor: 120, RatePercent: decimal.NewFromInt(12), Status: domain.CommissionStatusPending}}, nil
}

func (f *fakeCommissions) Pending(_ context.Context) ([]domain.CommissionEntry, error) {
	return nil, nil
}

func (f *fakeCommissions) Settle(_ context.Context, orderID string) (domain.CommissionEntry, error) {
	if f.settleErr != nil {
		return domain.CommissionEntry{}, f.settleErr
	}
	return domain.CommissionEntry{OrderID: orderID, Status: domain.CommissionStatusSettled, RatePercent: decimal.NewFromInt(12)}, nil
}

func (f *fakeCommissions) SetRate(role string, percent decimal.Decimal) (commission.RateTable, error) {
	f.lastRole = role
	return commission.NewRateTable(map[string]decimal.Decimal{role: percent})
}

type fixture struct {
	handler     http.Handler
	verifier    *auth.Verifier
	webhooks    *fakeWebhooks
	orders      *fakeOrders
	commissions *fakeCommissions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	verifier, err := auth.NewVerifier(auth.Config{Secret: "secret", Issuer: "reconciler", TTL: time.Minute})
	require.NoError(t, err)
	f := &fixture{
		verifier: verifier,
		webhooks: &fakeWebhooks{ack: reconcile.Ack{EventID: "evt_1", Outcome: reconcile.OutcomeApplied}},
		orders: &fakeOrders{order: domain.Order{
			ID: "o-1", CustomerID: "cust-1", Currency: "USD", SubtotalMinor: 1000,
			Status: domain.OrderStatusPending, PaymentStatus: domain.PaymentStatusPending,
		}},
		commissions: &fakeCommissions{},
	}
	f.handler = NewRouter(Deps{
		Webhooks:        f.webhooks,
		Orders:          f.orders,
		Commissions:     f.commissions,
		Verifier:        verifier,
		MaxWebhookBytes: 64,
	}, nil)
	return f
}

func (f *fixture) token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	token, err := f.verifier.Issue(auth.Identity{Subject: subject, Role: role})
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	env := decodeEnvelope(t, rec)
	errObj, ok := env["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", rec.Body.String())
	return errObj["code"].(string)
}

func TestWebhookStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		ack    reconcile.Ack
		err    error
		status int
		code   string
	}{
		{name: "applied", ack: reconcile.Ack{Outcome: reconcile.OutcomeApplied}, status: http.StatusOK},
		{name: "duplicate", ack: reconcile.Ack{Outcome: reconcile.OutcomeDuplicate, Duplicate: true}, status: http.StatusOK},
		{name: "ignored", ack: reconcile.Ack{Outcome: reconcile.OutcomeIgnored}, status: http.StatusOK},
		{name: "illegal", ack: reconcile.Ack{Outcome: reconcile.OutcomeIllegal}, status: http.StatusOK},
		{name: "order not found", ack: reconcile.Ack{Outcome: reconcile.OutcomeOrderNotFound}, err: domain.ErrOrderNotFound, status: http.StatusOK},
		{name: "bad signature", err: fmt.Errorf("verify: %w", provider.ErrSignatureInvalid), status: http.StatusUnauthorized, code: CodeSignatureInvalid},
		{name: "malformed", err: provider.ErrMalformedPayload, status: http.StatusBadRequest, code: CodeMalformedPayload},
		{name: "unknown provider", err: provider.ErrUnknownProvider, status: http.StatusNotFound, code: CodeUnknownProvider},
		{name: "infrastructure", err: fmt.Errorf("ledger try apply: %w", io.ErrUnexpectedEOF), status: http.StatusInternalServerError, code: CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.webhooks.ack = tc.ack
			f.webhooks.err = tc.err

			rec := f.do(t, http.MethodPost, "/webhooks/gateway_b", "", `{"id":"evt_1"}`)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.code != "" {
				assert.Equal(t, tc.code, errorCode(t, rec))
				return
			}
			data := decodeEnvelope(t, rec)["data"].(map[string]any)
			assert.Equal(t, string(tc.ack.Outcome), data["outcome"])
			assert.Equal(t, "gateway_b", data["provider"])
			assert.Equal(t, `{"id":"evt_1"}`, string(f.webhooks.body))
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/webhooks/gateway_b", "", strings.Repeat("x", 65))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Nil(t, f.webhooks.body)
}

func TestInternalErrorDoesNotLeakDetails(t *testing.T) {
	f := newFixture(t)
	f.webhooks.err = fmt.Errorf("dial tcp 10.0.0.5:5432: connection refused")
	rec := f.do(t, http.MethodPost, "/webhooks/gateway_b", "", `{}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestV1RequiresToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/orders/o-1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/orders/o-1", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthorized, errorCode(t, rec))
}

func TestCheckoutUsesTokenSubject(t *testing.T) {
	f := newFixture(t)
	body := `{"provider":"gateway_b","currency":"USD","items":[{"product_id":"p1","qty":1,"unit_price_minor":1000}]}`

	rec := f.do(t, http.MethodPost, "/v1/checkout", f.token(t, "cust-9", auth.RoleCustomer), body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "cust-9", f.orders.lastRequest.CustomerID)

	data := decodeEnvelope(t, rec)["data"].(map[string]any)
	assert.Equal(t, "secret_1", data["client_handle"])
	order := data["order"].(map[string]any)
	assert.Equal(t, "cust-9", order["customer_id"])
	assert.EqualValues(t, 1000, order["total_minor"])
}

func TestCheckoutErrors(t *testing.T) {
	f := newFixture(t)
	f.orders.order = domain.Order{}
	token := f.token(t, "cust-1", auth.RoleCustomer)

	rec := f.do(t, http.MethodPost, "/v1/checkout", token, `{"unknown_field":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.orders.checkoutErr = &orders.ValidationError{Fields: map[string]string{"items": "is required"}}
	rec = f.do(t, http.MethodPost, "/v1/checkout", token, `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errObj := decodeEnvelope(t, rec)["error"].(map[string]any)
	assert.Equal(t, map[string]any{"items": "is required"}, errObj["fields"])

	f.orders.checkoutErr = fmt.Errorf("reserve inventory: %w", domain.ErrInventoryUnavailable)
	rec = f.do(t, http.MethodPost, "/v1/checkout", token, `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, CodeInventory, errorCode(t, rec))
}

func TestCheckoutAcceptedWhenProviderDown(t *testing.T) {
	f := newFixture(t)
	f.orders.checkoutErr = fmt.Errorf("create payment intent: %w", provider.ErrProviderUnavailable)

	rec := f.do(t, http.MethodPost, "/v1/checkout", f.token(t, "cust-1", auth.RoleCustomer), `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "o-1", env["data"].(map[string]any)["order"].(map[string]any)["id"])
	assert.Equal(t, CodeProviderUnavailable, env["error"].(map[string]any)["code"])
}

func TestGetOrderOwnership(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/orders/o-1", f.token(t, "cust-1", auth.RoleCustomer), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/orders/o-1", f.token(t, "cust-2", auth.RoleCustomer), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/orders/o-1", f.token(t, "ops", auth.RoleAdmin), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/orders/missing", f.token(t, "ops", auth.RoleAdmin), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTimelineRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/orders/o-1/timeline", f.token(t, "cust-1", auth.RoleCustomer), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/orders/o-1/timeline", f.token(t, "ops", auth.RoleAdmin), "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeEnvelope(t, rec)["data"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, domain.TimelineOrderCreated, events[0].(map[string]any)["type"])
}

func TestAdminOrderOperations(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, "ops", auth.RoleAdmin)

	rec := f.do(t, http.MethodPost, "/v1/admin/orders/o-1/refund", admin, `{"amount_minor":500,"reason":"damaged"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "o-1", f.orders.lastRefund.OrderID)
	require.NotNil(t, f.orders.lastRefund.AmountMinor)
	assert.EqualValues(t, 500, *f.orders.lastRefund.AmountMinor)

	rec = f.do(t, http.MethodPost, "/v1/admin/orders/o-1/refund", admin, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Nil(t, f.orders.lastRefund.AmountMinor)

	rec = f.do(t, http.MethodPost, "/v1/admin/orders/o-1/cancel", admin, `{"reason":"fraud"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fraud", f.orders.lastReason)
	assert.Equal(t, "cancelled", decodeEnvelope(t, rec)["data"].(map[string]any)["status"])

	rec = f.do(t, http.MethodPost, "/v1/admin/orders/o-1/fulfillment", admin, `{"status":"shipped"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.OrderStatusShipped, f.orders.lastTarget)

	rec = f.do(t, http.MethodPost, "/v1/admin/orders/o-1/cancel", f.token(t, "cust-1", auth.RoleCustomer), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/admin/orders/o-1/refund", f.token(t, "op", auth.RolePlatformOperator), "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAdminOrderErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{err: provider.ErrAlreadyRefunded, status: http.StatusConflict, code: CodeAlreadyRefunded},
		{err: orders.ErrCancelPaidOrder, status: http.StatusConflict, code: CodeIllegalTransition},
		{err: fmt.Errorf("refund: %w", provider.ErrInvalidAmount), status: http.StatusUnprocessableEntity, code: CodeInvalidAmount},
		{err: fmt.Errorf("refund: %w", provider.ErrProviderUnavailable), status: http.StatusServiceUnavailable, code: CodeProviderUnavailable},
		{err: domain.ErrOrderNotFound, status: http.StatusNotFound, code: CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			f := newFixture(t)
			f.orders.err = tc.err
			rec := f.do(t, http.MethodPost, "/v1/admin/orders/o-1/refund", f.token(t, "ops", auth.RoleAdmin), "")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestCommissionRoutesRequireOperator(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/admin/commissions/summary", f.token(t, "ops", auth.RoleAdmin), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	op := f.token(t, "op", auth.RolePlatformOperator)
	rec = f.do(t, http.MethodGet, "/v1/admin/commissions/summary?from=2026-01-01&to=2026-02-01", op, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decodeEnvelope(t, rec)["data"].(map[string]any)["orders"])

	rec = f.do(t, http.MethodGet, "/v1/admin/commissions/summary?from=2026-02-01&to=2026-01-01", op, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/admin/commissions/summary?from=yesterday", op, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/admin/commissions/daily", op, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultDailyBuckets, f.commissions.lastN)

	rec = f.do(t, http.MethodGet, "/v1/admin/commissions/monthly?n=3", op, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, f.commissions.lastN)

	rec = f.do(t, http.MethodGet, "/v1/admin/commissions/monthly?n=abc", op, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/admin/commissions/orders?limit=10", op, "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeEnvelope(t, rec)["data"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "12", entries[0].(map[string]any)["rate_percent"])

	rec = f.do(t, http.MethodGet, "/v1/admin/commissions/pending", op, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decodeEnvelope(t, rec)["data"])
}

func TestSettleAndSetRate(t *testing.T) {
	f := newFixture(t)
	op := f.token(t, "op", auth.RolePlatformOperator)

	rec := f.do(t, http.MethodPost, "/v1/admin/commissions/o-1/settle", op, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "settled", decodeEnvelope(t, rec)["data"].(map[string]any)["status"])

	f.commissions.settleErr = domain.ErrCommissionSettled
	rec = f.do(t, http.MethodPost, "/v1/admin/commissions/o-1/settle", op, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/admin/commissions/rate", op, `{"role":"platform_operator","percent":"15.5"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rates := decodeEnvelope(t, rec)["data"].(map[string]any)["rates"].(map[string]any)
	assert.Equal(t, "15.5", rates["platform_operator"])

	rec = f.do(t, http.MethodPut, "/v1/admin/commissions/rate", op, `{"percent":"15"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, errorCode(t, rec))
}
