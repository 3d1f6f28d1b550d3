package card

import (
	"context"

	"github.com/stripe/stripe-go/v84"
)

// paymentAPI — подмножество Stripe API, которое использует адаптер.
type paymentAPI interface {
	CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
	CreateRefund(ctx context.Context, params *stripe.RefundCreateParams) (*stripe.Refund, error)
}

type stripeAPI struct {
	client *stripe.Client
}

func newStripeAPI(apiKey string) paymentAPI {
	return &stripeAPI{client: stripe.NewClient(apiKey)}
}

func (s *stripeAPI) CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error) {
	return s.client.V1PaymentIntents.Create(ctx, params)
}

func (s *stripeAPI) CreateRefund(ctx context.Context, params *stripe.RefundCreateParams) (*stripe.Refund, error) {
	return s.client.V1Refunds.Create(ctx, params)
}
