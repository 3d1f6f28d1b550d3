// Package gatewaya реализует адаптер регионального шлюза A на Square API.
package gatewaya

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	sq "github.com/square/square-go-sdk"
	sqcore "github.com/square/square-go-sdk/core"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
)

// SignatureHeader — заголовок подписи webhook.
const SignatureHeader = "X-Square-Hmacsha256-Signature"

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://connect.squareupsandbox.com",
	productionEnv: "https://connect.squareup.com",
}

// Config содержит учётные данные шлюза.
type Config struct {
	AccessToken   string
	LocationID    string
	Environment   string
	WebhookSecret string
	// NotificationURL — адрес webhook, как он зарегистрирован у провайдера; входит в подпись.
	NotificationURL string
}

// Adapter — региональный шлюз A.
type Adapter struct {
	cfg    Config
	api    paymentAPI
	caller *provider.Caller
	logger *log.Entry
}

// New создаёт адаптер. Без AccessToken адаптер выключен.
func New(cfg Config, caller *provider.Caller, logger *log.Entry) *Adapter {
	var api paymentAPI
	if strings.TrimSpace(cfg.AccessToken) != "" {
		baseURL, ok := baseURLs[strings.ToLower(strings.TrimSpace(cfg.Environment))]
		if !ok {
			baseURL = baseURLs[sandboxEnv]
		}
		api = newSquareAPI(baseURL, cfg.AccessToken)
	}
	return newAdapter(cfg, api, caller, logger)
}

func newAdapter(cfg Config, api paymentAPI, caller *provider.Caller, logger *log.Entry) *Adapter {
	if logger == nil {
		logger = log.WithField("component", "provider-gateway-a")
	}
	if caller == nil {
		caller = provider.NewCaller(domain.ProviderRegionalGatewayA, provider.DefaultCallConfig(), provider.WithLogger(logger))
	}
	return &Adapter{cfg: cfg, api: api, caller: caller, logger: logger}
}

// Name возвращает идентификатор провайдера.
func (a *Adapter) Name() domain.Provider {
	return domain.ProviderRegionalGatewayA
}

// Enabled сообщает, что задан токен доступа.
func (a *Adapter) Enabled() bool {
	return a.api != nil
}

// CreateIntent создаёт платёж по токену источника; reference_id = id заказа.
func (a *Adapter) CreateIntent(ctx context.Context, req provider.IntentRequest) (provider.Intent, error) {
	if !a.Enabled() {
		return provider.Intent{}, fmt.Errorf("%w: gateway A is not configured", provider.ErrProviderUnavailable)
	}
	currency := provider.NormalizeCurrency(req.Currency)
	if err := provider.ValidateAmount(req.AmountMinor, currency); err != nil {
		return provider.Intent{}, err
	}
	if strings.TrimSpace(req.SourceToken) == "" {
		return provider.Intent{}, fmt.Errorf("%w: payment source token is required", provider.ErrRequestRejected)
	}

	payReq := &sq.CreatePaymentRequest{
		IdempotencyKey: idempotencyKey("payment", req.IdempotencyKey),
		SourceID:       req.SourceToken,
		AmountMoney:    money(req.AmountMinor, currency),
		ReferenceID:    stringPtr(req.OrderID),
		LocationID:     stringPtr(a.cfg.LocationID),
	}
	if req.OrderNumber != "" {
		payReq.Note = stringPtr(req.OrderNumber)
	}

	var payment *sq.Payment
	err := a.caller.Do(ctx, "create_intent", func(ctx context.Context) error {
		var err error
		payment, err = a.api.CreatePayment(ctx, payReq)
		return mapSquareError(err)
	})
	if err != nil {
		a.logger.WithFields(log.Fields{"order_id": req.OrderID, "error": err}).Warn("Create payment failed")
		return provider.Intent{}, err
	}

	return provider.Intent{
		Reference: stringValue(payment.GetID()),
		Status:    stringValue(payment.GetStatus()),
	}, nil
}

// Refund возвращает деньги по платежу. Сумма обязательна.
func (a *Adapter) Refund(ctx context.Context, req provider.RefundRequest) (provider.RefundResult, error) {
	if !a.Enabled() {
		return provider.RefundResult{}, fmt.Errorf("%w: gateway A is not configured", provider.ErrProviderUnavailable)
	}
	if req.Reference == "" {
		return provider.RefundResult{}, fmt.Errorf("%w: missing payment reference", provider.ErrRequestRejected)
	}
	if req.AmountMinor == nil {
		return provider.RefundResult{}, fmt.Errorf("%w: refund amount is required", provider.ErrInvalidAmount)
	}
	currency := provider.NormalizeCurrency(req.Currency)
	if err := provider.ValidateAmount(*req.AmountMinor, currency); err != nil {
		return provider.RefundResult{}, err
	}

	refundReq := &sq.RefundPaymentRequest{
		IdempotencyKey: idempotencyKey("refund", req.IdempotencyKey),
		AmountMoney:    money(*req.AmountMinor, currency),
		PaymentID:      stringPtr(req.Reference),
	}

	var refund *sq.PaymentRefund
	err := a.caller.Do(ctx, "refund", func(ctx context.Context) error {
		var err error
		refund, err = a.api.RefundPayment(ctx, refundReq)
		return mapSquareError(err)
	})
	if err != nil {
		return provider.RefundResult{}, err
	}

	result := provider.RefundResult{
		Reference:   refund.GetID(),
		Status:      stringValue(refund.GetStatus()),
		AmountMinor: *req.AmountMinor,
	}
	if m := refund.GetAmountMoney(); m != nil && m.GetAmount() != nil {
		result.AmountMinor = *m.GetAmount()
	}
	return result, nil
}

type webhookEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *webhookPayment `json:"payment"`
			Refund  *webhookRefund  `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

type webhookMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type webhookPayment struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	ReferenceID string        `json:"reference_id"`
	AmountMoney *webhookMoney `json:"amount_money"`
	TotalMoney  *webhookMoney `json:"total_money"`
}

type webhookRefund struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	PaymentID   string        `json:"payment_id"`
	AmountMoney *webhookMoney `json:"amount_money"`
}

// VerifyWebhook проверяет HMAC-SHA256 (url + тело) и нормализует событие.
func (a *Adapter) VerifyWebhook(_ context.Context, raw []byte, headers http.Header) (domain.PaymentEvent, error) {
	if a.cfg.WebhookSecret == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: webhook secret is not configured", provider.ErrSignatureInvalid)
	}
	signature := headers.Get(SignatureHeader)
	if signature == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: missing %s header", provider.ErrSignatureInvalid, SignatureHeader)
	}
	if !ValidSignature(raw, a.cfg.NotificationURL, a.cfg.WebhookSecret, signature) {
		return domain.PaymentEvent{}, fmt.Errorf("%w: signature mismatch", provider.ErrSignatureInvalid)
	}

	var ev webhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
	}
	if strings.TrimSpace(ev.EventID) == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: event_id is empty", provider.ErrMalformedPayload)
	}

	normalized := domain.PaymentEvent{
		Provider:       domain.ProviderRegionalGatewayA,
		EventID:        ev.EventID,
		ProviderType:   ev.Type,
		ReceivedAt:     time.Now().UTC(),
		SignatureValid: true,
	}

	switch {
	case strings.HasPrefix(ev.Type, "payment.") && ev.Data.Object.Payment != nil:
		p := ev.Data.Object.Payment
		normalized.ProviderReference = p.ID
		normalized.OrderReference = p.ReferenceID
		if m := p.AmountMoney; m != nil {
			normalized.AmountMinor = m.Amount
			normalized.Currency = strings.ToUpper(m.Currency)
		}
		if m := p.TotalMoney; m != nil && m.Amount > 0 {
			normalized.AmountMinor = m.Amount
		}
		switch strings.ToUpper(p.Status) {
		case "APPROVED":
			normalized.Kind = domain.EventAuthorized
		case "COMPLETED":
			normalized.Kind = domain.EventCaptured
		case "FAILED", "CANCELED":
			normalized.Kind = domain.EventFailed
		}

	// refund.created приходит в PENDING, итог возврата приходит в refund.updated.
	// Сумма возврата прибавляется к уже возвращённой, поэтому ключ идемпотентности
	// берётся из id возврата: повторные refund.updated по нему не применяются.
	case ev.Type == "refund.updated" && ev.Data.Object.Refund != nil:
		r := ev.Data.Object.Refund
		if strings.ToUpper(r.Status) != "COMPLETED" {
			break
		}
		if strings.TrimSpace(r.ID) == "" {
			return domain.PaymentEvent{}, fmt.Errorf("%w: completed refund without id", provider.ErrMalformedPayload)
		}
		normalized.EventID = RefundEventID(r.ID)
		normalized.ProviderReference = r.PaymentID
		if m := r.AmountMoney; m != nil {
			normalized.AmountMinor = m.Amount
			normalized.Currency = strings.ToUpper(m.Currency)
		}
		normalized.Kind = domain.EventPartiallyRefunded
	}

	return normalized, nil
}

// RefundEventID — ключ ledger для завершённого возврата.
func RefundEventID(refundID string) string {
	return "refund:" + refundID
}

// ValidSignature сравнивает base64 HMAC-SHA256(notificationURL + body) с заголовком.
func ValidSignature(body []byte, notificationURL, secret, signature string) bool {
	expected := Sign(body, notificationURL, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// Sign считает подпись webhook.
func Sign(body []byte, notificationURL, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func mapSquareError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *sqcore.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}

	msg := strings.ToUpper(apiErr.Error())
	switch {
	case apiErr.StatusCode >= http.StatusInternalServerError, apiErr.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	case strings.Contains(msg, "REFUND_ALREADY_PENDING"), strings.Contains(msg, "PAYMENT_NOT_REFUNDABLE"):
		return fmt.Errorf("%w: %v", provider.ErrAlreadyRefunded, err)
	case strings.Contains(msg, "AMOUNT"), strings.Contains(msg, "CURRENCY"):
		return fmt.Errorf("%w: %v", provider.ErrInvalidAmount, err)
	default:
		return fmt.Errorf("%w: %v", provider.ErrRequestRejected, err)
	}
}

func idempotencyKey(prefix, provided string) string {
	if strings.TrimSpace(provided) != "" {
		return provided
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

func money(amount int64, currency string) *sq.Money {
	c := sq.Currency(currency)
	return &sq.Money{Amount: &amount, Currency: &c}
}

func stringPtr(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
