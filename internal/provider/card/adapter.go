// Package card реализует адаптер карточного процессора на Stripe API.
package card

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
)

// SignatureHeader — заголовок подписи webhook.
const SignatureHeader = "Stripe-Signature"

const (
	eventAmountCapturableUpdated = "payment_intent.amount_capturable_updated"
	eventPaymentSucceeded        = "payment_intent.succeeded"
	eventPaymentFailed           = "payment_intent.payment_failed"
	eventPaymentCanceled         = "payment_intent.canceled"
	eventChargeRefunded          = "charge.refunded"

	metadataOrderID = "order_id"
)

// Config содержит учётные данные Stripe.
type Config struct {
	APIKey           string
	WebhookSecret    string
	WebhookTolerance time.Duration
}

// Adapter — карточный процессор.
type Adapter struct {
	cfg    Config
	api    paymentAPI
	caller *provider.Caller
	logger *log.Entry
}

// New создаёт адаптер. Без APIKey адаптер выключен.
func New(cfg Config, caller *provider.Caller, logger *log.Entry) *Adapter {
	var api paymentAPI
	if strings.TrimSpace(cfg.APIKey) != "" {
		api = newStripeAPI(cfg.APIKey)
	}
	return newAdapter(cfg, api, caller, logger)
}

func newAdapter(cfg Config, api paymentAPI, caller *provider.Caller, logger *log.Entry) *Adapter {
	if logger == nil {
		logger = log.WithField("component", "provider-card")
	}
	if caller == nil {
		caller = provider.NewCaller(domain.ProviderCardProcessor, provider.DefaultCallConfig(), provider.WithLogger(logger))
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = webhook.DefaultTolerance
	}
	return &Adapter{cfg: cfg, api: api, caller: caller, logger: logger}
}

// Name возвращает идентификатор провайдера.
func (a *Adapter) Name() domain.Provider {
	return domain.ProviderCardProcessor
}

// Enabled сообщает, что задан API-ключ.
func (a *Adapter) Enabled() bool {
	return a.api != nil
}

// CreateIntent создаёт PaymentIntent с order_id в metadata.
func (a *Adapter) CreateIntent(ctx context.Context, req provider.IntentRequest) (provider.Intent, error) {
	if !a.Enabled() {
		return provider.Intent{}, fmt.Errorf("%w: card processor is not configured", provider.ErrProviderUnavailable)
	}
	currency := provider.NormalizeCurrency(req.Currency)
	if err := provider.ValidateAmount(req.AmountMinor, currency); err != nil {
		return provider.Intent{}, err
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.OrderNumber != "" {
		params.Description = stripe.String(req.OrderNumber)
	}
	params.AddMetadata(metadataOrderID, req.OrderID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	var intent *stripe.PaymentIntent
	err := a.caller.Do(ctx, "create_intent", func(ctx context.Context) error {
		var err error
		intent, err = a.api.CreatePaymentIntent(ctx, params)
		return mapStripeError(err)
	})
	if err != nil {
		a.logger.WithFields(log.Fields{"order_id": req.OrderID, "error": err}).Warn("Create payment intent failed")
		return provider.Intent{}, err
	}

	return provider.Intent{
		Reference:    intent.ID,
		ClientHandle: intent.ClientSecret,
		Status:       string(intent.Status),
	}, nil
}

// Refund возвращает деньги по PaymentIntent.
func (a *Adapter) Refund(ctx context.Context, req provider.RefundRequest) (provider.RefundResult, error) {
	if !a.Enabled() {
		return provider.RefundResult{}, fmt.Errorf("%w: card processor is not configured", provider.ErrProviderUnavailable)
	}
	if req.Reference == "" {
		return provider.RefundResult{}, fmt.Errorf("%w: missing payment reference", provider.ErrRequestRejected)
	}

	params := &stripe.RefundCreateParams{PaymentIntent: stripe.String(req.Reference)}
	if req.AmountMinor != nil {
		if *req.AmountMinor <= 0 {
			return provider.RefundResult{}, provider.ErrInvalidAmount
		}
		params.Amount = stripe.Int64(*req.AmountMinor)
	}
	if req.OrderID != "" {
		params.AddMetadata(metadataOrderID, req.OrderID)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	var refund *stripe.Refund
	err := a.caller.Do(ctx, "refund", func(ctx context.Context) error {
		var err error
		refund, err = a.api.CreateRefund(ctx, params)
		return mapStripeError(err)
	})
	if err != nil {
		return provider.RefundResult{}, err
	}

	return provider.RefundResult{
		Reference:   refund.ID,
		Status:      string(refund.Status),
		AmountMinor: refund.Amount,
	}, nil
}

// VerifyWebhook проверяет Stripe-Signature и нормализует событие.
func (a *Adapter) VerifyWebhook(_ context.Context, raw []byte, headers http.Header) (domain.PaymentEvent, error) {
	if a.cfg.WebhookSecret == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: webhook secret is not configured", provider.ErrSignatureInvalid)
	}
	header := headers.Get(SignatureHeader)
	if header == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: missing %s header", provider.ErrSignatureInvalid, SignatureHeader)
	}

	event, err := webhook.ConstructEventWithOptions(raw, header, a.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                a.cfg.WebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return domain.PaymentEvent{}, fmt.Errorf("%w: %v", provider.ErrSignatureInvalid, err)
		}
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
	}
	if event.ID == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: event id is empty", provider.ErrMalformedPayload)
	}

	normalized := domain.PaymentEvent{
		Provider:       domain.ProviderCardProcessor,
		EventID:        event.ID,
		ProviderType:   string(event.Type),
		ReceivedAt:     time.Now().UTC(),
		SignatureValid: true,
	}
	if event.Data == nil {
		return normalized, nil
	}

	switch string(event.Type) {
	case eventAmountCapturableUpdated, eventPaymentSucceeded, eventPaymentFailed, eventPaymentCanceled:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("%w: decode payment intent: %v", provider.ErrMalformedPayload, err)
		}
		normalized.ProviderReference = intent.ID
		normalized.OrderReference = intent.Metadata[metadataOrderID]
		normalized.Currency = strings.ToUpper(string(intent.Currency))
		normalized.AmountMinor = intent.Amount

		switch string(event.Type) {
		case eventAmountCapturableUpdated:
			normalized.Kind = domain.EventAuthorized
			normalized.AmountMinor = intent.AmountCapturable
		case eventPaymentSucceeded:
			normalized.Kind = domain.EventCaptured
			if intent.AmountReceived > 0 {
				normalized.AmountMinor = intent.AmountReceived
			}
		default:
			normalized.Kind = domain.EventFailed
		}

	case eventChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("%w: decode charge: %v", provider.ErrMalformedPayload, err)
		}
		if charge.PaymentIntent != nil {
			normalized.ProviderReference = charge.PaymentIntent.ID
		}
		normalized.OrderReference = charge.Metadata[metadataOrderID]
		normalized.Currency = strings.ToUpper(string(charge.Currency))
		// Stripe присылает нарастающий итог возвратов.
		normalized.AmountMinor = charge.AmountRefunded
		normalized.AmountIsCumulative = true
		if charge.Refunded || charge.AmountRefunded >= charge.Amount {
			normalized.Kind = domain.EventRefunded
		} else {
			normalized.Kind = domain.EventPartiallyRefunded
		}
	}

	return normalized, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// mapStripeError переводит ошибки Stripe в ошибки провайдера.
func mapStripeError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}

	switch {
	case stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode == 0:
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	case string(stripeErr.Code) == "charge_already_refunded":
		return fmt.Errorf("%w: %v", provider.ErrAlreadyRefunded, err)
	case stripeErr.Param == "amount" || strings.HasPrefix(string(stripeErr.Code), "amount_"):
		return fmt.Errorf("%w: %v", provider.ErrInvalidAmount, err)
	default:
		return fmt.Errorf("%w: %v", provider.ErrRequestRejected, err)
	}
}
