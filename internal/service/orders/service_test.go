package orders

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/lock"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
	"github.com/vladislavdragonenkov/reconciler/internal/service/coupon"
	"github.com/vladislavdragonenkov/reconciler/internal/service/inventory"
	"github.com/vladislavdragonenkov/reconciler/internal/service/journal"
	"github.com/vladislavdragonenkov/reconciler/internal/storage/memory"
)

type fakeAdapter struct {
	name      domain.Provider
	enabled   bool
	intentErr error
	refundErr error

	mu          sync.Mutex
	intents     []provider.IntentRequest
	refunds     []provider.RefundRequest
	hasDeadline bool
}

func (f *fakeAdapter) Name() domain.Provider { return f.name }
func (f *fakeAdapter) Enabled() bool         { return f.enabled }

func (f *fakeAdapter) CreateIntent(ctx context.Context, req provider.IntentRequest) (provider.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.hasDeadline = ctx.Deadline()
	f.intents = append(f.intents, req)
	if f.intentErr != nil {
		return provider.Intent{}, f.intentErr
	}
	return provider.Intent{Reference: "pi_" + req.OrderID, ClientHandle: "secret_" + req.OrderID, Status: "requires_payment_method"}, nil
}

func (f *fakeAdapter) VerifyWebhook(context.Context, []byte, http.Header) (domain.PaymentEvent, error) {
	return domain.PaymentEvent{}, provider.ErrSignatureInvalid
}

func (f *fakeAdapter) Refund(_ context.Context, req provider.RefundRequest) (provider.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, req)
	if f.refundErr != nil {
		return provider.RefundResult{}, f.refundErr
	}
	return provider.RefundResult{Reference: "re_1", Status: "pending", AmountMinor: *req.AmountMinor}, nil
}

type fixture struct {
	svc      *Service
	adapter  *fakeAdapter
	orders   domain.OrderRepository
	stock    *inventory.MemoryStock
	outbox   *memory.OutboxRepository
	timeline domain.TimelineRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	coupons, err := coupon.ParseRules(map[string]string{"WELCOME10": "10%"})
	require.NoError(t, err)

	f := &fixture{
		adapter:  &fakeAdapter{name: domain.ProviderCardProcessor, enabled: true},
		orders:   memory.NewOrderRepository(),
		stock:    inventory.NewMemoryStock(nil),
		outbox:   memory.NewOutboxRepository(),
		timeline: memory.NewTimelineRepository(),
	}
	f.svc = NewService(Deps{
		Providers: provider.NewRegistry(f.adapter, &fakeAdapter{name: domain.ProviderRegionalGatewayB}),
		Orders:    f.orders,
		Timeline:  f.timeline,
		Locker:    lock.NewLocal(),
		Inventory: f.stock,
		Coupons:   coupons,
		Journal:   journal.New(f.outbox, f.timeline, nil, nil),
	}, Options{IntentTimeout: time.Second}, nil)
	return f
}

func checkoutRequest() CheckoutRequest {
	return CheckoutRequest{
		CustomerID: "cust-1",
		Provider:   string(domain.ProviderCardProcessor),
		Currency:   "usd",
		Items: []CheckoutItem{
			{ProductID: "sku-1", Qty: 2, UnitPriceMinor: 2500},
			{ProductID: "sku-2", VariantID: "red", Qty: 1, UnitPriceMinor: 5000},
		},
		ShippingMinor: 500,
		TaxMinor:      800,
		CouponCode:    "welcome10",
	}
}

func TestCheckout_CreatesPendingOrderWithIntent(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Checkout(context.Background(), checkoutRequest())
	require.NoError(t, err)

	order := res.Order
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, domain.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, "USD", order.Currency)
	assert.EqualValues(t, 10000, order.SubtotalMinor)
	assert.EqualValues(t, 1000, order.DiscountMinor)
	assert.EqualValues(t, 10300, order.Total())
	assert.Equal(t, "pi_"+order.ID, order.ProviderReference)
	assert.Equal(t, "secret_"+order.ID, res.ClientHandle)
	assert.True(t, order.InventoryReserved)
	assert.Contains(t, order.Number, "R-")

	stored, err := f.orders.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ProviderReference, stored.ProviderReference)
	assert.True(t, f.stock.Applied(order.ID, domain.InventoryActionReserve))

	require.Len(t, f.adapter.intents, 1)
	assert.EqualValues(t, 10300, f.adapter.intents[0].AmountMinor)
	assert.Equal(t, "intent-"+order.ID, f.adapter.intents[0].IdempotencyKey)
	assert.True(t, f.adapter.hasDeadline, "intent call must be bounded by a timeout")

	events, err := f.svc.Timeline(context.Background(), order.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{domain.TimelineOrderCreated, domain.TimelineInventoryReserved, domain.TimelineIntentCreated}, types)
}

func TestCheckout_Validation(t *testing.T) {
	f := newFixture(t)

	req := checkoutRequest()
	req.Items[0].Qty = 0
	req.Currency = "US"
	req.CustomerID = ""
	_, err := f.svc.Checkout(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "items[0].qty")
	assert.Contains(t, verr.Fields, "currency")
	assert.Contains(t, verr.Fields, "CustomerID")
	assert.Empty(t, f.adapter.intents)
}

func TestCheckout_ProviderChecksHappenBeforeWrites(t *testing.T) {
	f := newFixture(t)

	req := checkoutRequest()
	req.Provider = string(domain.ProviderRegionalGatewayB)
	_, err := f.svc.Checkout(context.Background(), req)
	require.ErrorIs(t, err, provider.ErrProviderUnavailable)

	req.Provider = "unknown"
	_, err = f.svc.Checkout(context.Background(), req)
	require.ErrorIs(t, err, provider.ErrUnknownProvider)

	assert.Empty(t, f.outbox.AllPending())
}

func TestCheckout_InvalidCouponAndStock(t *testing.T) {
	f := newFixture(t)

	req := checkoutRequest()
	req.CouponCode = "BOGUS"
	_, err := f.svc.Checkout(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrCouponInvalid)

	f.stock.Seed("sku-1", "", 1)
	_, err = f.svc.Checkout(context.Background(), checkoutRequest())
	require.ErrorIs(t, err, domain.ErrInventoryUnavailable)
	assert.Empty(t, f.adapter.intents)
}

func TestCheckout_ProviderUnavailableLeavesOrderPending(t *testing.T) {
	f := newFixture(t)
	f.adapter.intentErr = provider.ErrProviderUnavailable

	res, err := f.svc.Checkout(context.Background(), checkoutRequest())
	require.ErrorIs(t, err, provider.ErrProviderUnavailable)
	require.NotEmpty(t, res.Order.ID)

	stored, err := f.orders.Get(res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.Empty(t, stored.ProviderReference)
	assert.False(t, f.stock.Applied(res.Order.ID, domain.InventoryActionRelease))
}

func TestCheckout_InvalidAmountCancelsAndReleases(t *testing.T) {
	f := newFixture(t)
	f.adapter.intentErr = provider.ErrInvalidAmount

	res, err := f.svc.Checkout(context.Background(), checkoutRequest())
	require.ErrorIs(t, err, provider.ErrInvalidAmount)

	stored, err := f.orders.Get(res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, stored.Status)
	assert.Equal(t, domain.PaymentStatusFailed, stored.PaymentStatus)
	assert.True(t, stored.InventoryReleased)
	assert.True(t, f.stock.Applied(res.Order.ID, domain.InventoryActionRelease))
}

func createdOrder(t *testing.T, f *fixture, payment domain.PaymentStatus, captured, refunded int64) domain.Order {
	t.Helper()
	res, err := f.svc.Checkout(context.Background(), checkoutRequest())
	require.NoError(t, err)
	order := res.Order
	order.PaymentStatus = payment
	order.CapturedMinor = captured
	order.RefundedMinor = refunded
	if payment.IsPaidFamily() {
		order.Status = domain.OrderStatusConfirmed
		order.InventoryDecremented = true
	}
	require.NoError(t, f.orders.Save(order))
	stored, err := f.orders.Get(order.ID)
	require.NoError(t, err)
	return stored
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := createdOrder(t, f, domain.PaymentStatusPaid, 10300, 0)

	partial := int64(300)
	res, err := f.svc.Refund(ctx, RefundRequest{OrderID: order.ID, AmountMinor: &partial, Reason: "damaged"})
	require.NoError(t, err)
	assert.EqualValues(t, 300, res.AmountMinor)

	_, err = f.svc.Refund(ctx, RefundRequest{OrderID: order.ID})
	require.NoError(t, err)
	require.Len(t, f.adapter.refunds, 2)
	assert.EqualValues(t, 10300, *f.adapter.refunds[1].AmountMinor, "full refund sends the explicit remainder")
	assert.Equal(t, order.ProviderReference, f.adapter.refunds[1].Reference)

	tooMuch := int64(20000)
	_, err = f.svc.Refund(ctx, RefundRequest{OrderID: order.ID, AmountMinor: &tooMuch})
	assert.ErrorIs(t, err, provider.ErrInvalidAmount)

	zero := int64(0)
	_, err = f.svc.Refund(ctx, RefundRequest{OrderID: order.ID, AmountMinor: &zero})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	stored, err := f.orders.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Version, stored.Version, "refund request does not change the order")
}

func TestRefund_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := createdOrder(t, f, domain.PaymentStatusPending, 0, 0)
	_, err := f.svc.Refund(ctx, RefundRequest{OrderID: pending.ID})
	assert.ErrorIs(t, err, ErrNotRefundable)
	assert.True(t, domain.IsIllegalTransition(err))

	refunded := createdOrder(t, f, domain.PaymentStatusRefunded, 10300, 10300)
	_, err = f.svc.Refund(ctx, RefundRequest{OrderID: refunded.ID})
	assert.ErrorIs(t, err, provider.ErrAlreadyRefunded)

	_, err = f.svc.Refund(ctx, RefundRequest{OrderID: "missing"})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	paid := createdOrder(t, f, domain.PaymentStatusPaid, 10300, 0)
	f.adapter.refundErr = provider.ErrProviderUnavailable
	_, err = f.svc.Refund(ctx, RefundRequest{OrderID: paid.ID})
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := createdOrder(t, f, domain.PaymentStatusPending, 0, 0)

	cancelled, err := f.svc.Cancel(ctx, order.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.True(t, cancelled.InventoryReleased)
	assert.True(t, f.stock.Applied(order.ID, domain.InventoryActionRelease))

	again, err := f.svc.Cancel(ctx, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version)

	paid := createdOrder(t, f, domain.PaymentStatusPaid, 10300, 0)
	_, err = f.svc.Cancel(ctx, paid.ID, "")
	assert.ErrorIs(t, err, ErrCancelPaidOrder)

	_, err = f.svc.Cancel(ctx, "missing", "")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestAdvanceFulfillment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := createdOrder(t, f, domain.PaymentStatusPaid, 10300, 0)

	for _, next := range []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered} {
		updated, err := f.svc.AdvanceFulfillment(ctx, order.ID, next)
		require.NoError(t, err)
		assert.Equal(t, next, updated.Status)
	}

	_, err := f.svc.AdvanceFulfillment(ctx, order.ID, domain.OrderStatusShipped)
	assert.True(t, domain.IsIllegalTransition(err), "delivered is terminal")

	_, err = f.svc.AdvanceFulfillment(ctx, order.ID, domain.OrderStatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	unpaid := createdOrder(t, f, domain.PaymentStatusPending, 0, 0)
	_, err = f.svc.AdvanceFulfillment(ctx, unpaid.ID, domain.OrderStatusProcessing)
	assert.True(t, domain.IsIllegalTransition(err))

	skipping := createdOrder(t, f, domain.PaymentStatusPaid, 10300, 0)
	_, err = f.svc.AdvanceFulfillment(ctx, skipping.ID, domain.OrderStatusShipped)
	assert.True(t, domain.IsIllegalTransition(err))
}

func TestGetAndTimelineErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Get(context.Background(), " ")
	assert.ErrorIs(t, err, domain.ErrOrderIDRequired)
	_, err = f.svc.Timeline(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrOrderNotFound))
}
