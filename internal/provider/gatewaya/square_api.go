package gatewaya

import (
	"context"

	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqoption "github.com/square/square-go-sdk/option"
)

// paymentAPI — подмножество Square API, которое использует адаптер.
type paymentAPI interface {
	CreatePayment(ctx context.Context, req *sq.CreatePaymentRequest) (*sq.Payment, error)
	RefundPayment(ctx context.Context, req *sq.RefundPaymentRequest) (*sq.PaymentRefund, error)
}

type squareAPI struct {
	sdk *sqclient.Client
}

func newSquareAPI(baseURL, accessToken string) paymentAPI {
	return &squareAPI{sdk: sqclient.NewClient(
		sqoption.WithBaseURL(baseURL),
		sqoption.WithToken(accessToken),
	)}
}

func (s *squareAPI) CreatePayment(ctx context.Context, req *sq.CreatePaymentRequest) (*sq.Payment, error) {
	resp, err := s.sdk.Payments.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.GetPayment(), nil
}

func (s *squareAPI) RefundPayment(ctx context.Context, req *sq.RefundPaymentRequest) (*sq.PaymentRefund, error) {
	resp, err := s.sdk.Refunds.RefundPayment(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.GetRefund(), nil
}
