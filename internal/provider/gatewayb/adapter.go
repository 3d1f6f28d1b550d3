// Package gatewayb реализует адаптер регионального шлюза B поверх его JSON API.
package gatewayb

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
)

// SignatureHeader — заголовок подписи webhook: t=<unix>,v1=<hex hmac>.
const SignatureHeader = "X-Gateway-Signature"

// DefaultTolerance — допустимый возраст подписи.
const DefaultTolerance = 5 * time.Minute

const maxResponseBytes = 1 << 20

// Config содержит адрес API и секреты шлюза.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Tolerance     time.Duration
}

// Adapter — региональный шлюз B.
type Adapter struct {
	cfg    Config
	client *http.Client
	caller *provider.Caller
	now    func() time.Time
	logger *log.Entry
}

// New создаёт адаптер. Без BaseURL или APIKey адаптер выключен.
func New(cfg Config, client *http.Client, caller *provider.Caller, logger *log.Entry) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = log.WithField("component", "provider-gateway-b")
	}
	if caller == nil {
		caller = provider.NewCaller(domain.ProviderRegionalGatewayB, provider.DefaultCallConfig(), provider.WithLogger(logger))
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{cfg: cfg, client: client, caller: caller, now: time.Now, logger: logger}
}

// Name возвращает идентификатор провайдера.
func (a *Adapter) Name() domain.Provider {
	return domain.ProviderRegionalGatewayB
}

// Enabled сообщает, что заданы адрес API и ключ.
func (a *Adapter) Enabled() bool {
	return a.cfg.BaseURL != "" && a.cfg.APIKey != ""
}

type paymentRequest struct {
	MerchantReference string            `json:"merchant_reference"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Description       string            `json:"description,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type paymentResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	CheckoutURL string `json:"checkout_url"`
}

type refundRequest struct {
	Amount *int64 `json:"amount,omitempty"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateIntent создаёт платёж; клиент завершает его по checkout_url.
func (a *Adapter) CreateIntent(ctx context.Context, req provider.IntentRequest) (provider.Intent, error) {
	if !a.Enabled() {
		return provider.Intent{}, fmt.Errorf("%w: gateway B is not configured", provider.ErrProviderUnavailable)
	}
	currency := provider.NormalizeCurrency(req.Currency)
	if err := provider.ValidateAmount(req.AmountMinor, currency); err != nil {
		return provider.Intent{}, err
	}

	body := paymentRequest{
		MerchantReference: req.OrderID,
		Amount:            req.AmountMinor,
		Currency:          currency,
		Description:       req.OrderNumber,
		Metadata:          req.Metadata,
	}
	var resp paymentResponse
	err := a.caller.Do(ctx, "create_intent", func(ctx context.Context) error {
		return a.post(ctx, "/v1/payments", req.IdempotencyKey, body, &resp)
	})
	if err != nil {
		a.logger.WithFields(log.Fields{"order_id": req.OrderID, "error": err}).Warn("Create payment failed")
		return provider.Intent{}, err
	}
	return provider.Intent{Reference: resp.ID, ClientHandle: resp.CheckoutURL, Status: resp.Status}, nil
}

// Refund создаёт возврат по платежу.
func (a *Adapter) Refund(ctx context.Context, req provider.RefundRequest) (provider.RefundResult, error) {
	if !a.Enabled() {
		return provider.RefundResult{}, fmt.Errorf("%w: gateway B is not configured", provider.ErrProviderUnavailable)
	}
	if req.Reference == "" {
		return provider.RefundResult{}, fmt.Errorf("%w: missing payment reference", provider.ErrRequestRejected)
	}
	if req.AmountMinor != nil && *req.AmountMinor <= 0 {
		return provider.RefundResult{}, provider.ErrInvalidAmount
	}

	var resp refundResponse
	path := "/v1/payments/" + url.PathEscape(req.Reference) + "/refunds"
	err := a.caller.Do(ctx, "refund", func(ctx context.Context) error {
		return a.post(ctx, path, req.IdempotencyKey, refundRequest{Amount: req.AmountMinor}, &resp)
	})
	if err != nil {
		return provider.RefundResult{}, err
	}
	return provider.RefundResult{Reference: resp.ID, Status: resp.Status, AmountMinor: resp.Amount}, nil
}

func (a *Adapter) post(ctx context.Context, path, idempotencyKey string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", provider.ErrProviderUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return mapStatus(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", provider.ErrProviderUnavailable, err)
	}
	return nil
}

func mapStatus(status int, raw []byte) error {
	var body errorResponse
	_ = json.Unmarshal(raw, &body)
	code := strings.ToLower(body.Error.Code)
	detail := fmt.Sprintf("status %d: %s", status, strings.TrimSpace(body.Error.Message))

	switch {
	case status >= http.StatusInternalServerError, status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", provider.ErrProviderUnavailable, detail)
	case code == "already_refunded":
		return fmt.Errorf("%w: %s", provider.ErrAlreadyRefunded, detail)
	case strings.Contains(code, "amount"), strings.Contains(code, "currency"):
		return fmt.Errorf("%w: %s", provider.ErrInvalidAmount, detail)
	default:
		return fmt.Errorf("%w: %s", provider.ErrRequestRejected, detail)
	}
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		PaymentID         string `json:"payment_id"`
		MerchantReference string `json:"merchant_reference"`
		Amount            int64  `json:"amount"`
		Currency          string `json:"currency"`
	} `json:"data"`
}

var eventKinds = map[string]domain.PaymentEventKind{
	"payment.authorized":         domain.EventAuthorized,
	"payment.captured":           domain.EventCaptured,
	"payment.failed":             domain.EventFailed,
	"payment.refunded":           domain.EventRefunded,
	"payment.partially_refunded": domain.EventPartiallyRefunded,
}

// VerifyWebhook проверяет подпись с меткой времени и нормализует событие.
func (a *Adapter) VerifyWebhook(_ context.Context, raw []byte, headers http.Header) (domain.PaymentEvent, error) {
	if a.cfg.WebhookSecret == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: webhook secret is not configured", provider.ErrSignatureInvalid)
	}
	if err := VerifySignature(raw, headers.Get(SignatureHeader), a.cfg.WebhookSecret, a.cfg.Tolerance, a.now()); err != nil {
		return domain.PaymentEvent{}, err
	}

	var ev webhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
	}
	if ev.ID == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: event id is empty", provider.ErrMalformedPayload)
	}

	return domain.PaymentEvent{
		Provider:          domain.ProviderRegionalGatewayB,
		EventID:           ev.ID,
		OrderReference:    ev.Data.MerchantReference,
		ProviderReference: ev.Data.PaymentID,
		Kind:              eventKinds[ev.Type],
		AmountMinor:       ev.Data.Amount,
		Currency:          strings.ToUpper(ev.Data.Currency),
		ReceivedAt:        a.now().UTC(),
		SignatureValid:    true,
		ProviderType:      ev.Type,
	}, nil
}

// Sign формирует значение заголовка подписи для тела и момента времени.
func Sign(body []byte, secret string, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + signature(body, secret, unix)
}

// VerifySignature разбирает заголовок и сверяет подпись и её возраст.
func VerifySignature(body []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return fmt.Errorf("%w: missing %s header", provider.ErrSignatureInvalid, SignatureHeader)
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed %s header", provider.ErrSignatureInvalid, SignatureHeader)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", provider.ErrSignatureInvalid)
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", provider.ErrSignatureInvalid)
	}

	expected := []byte(signature(body, secret, ts))
	for _, sig := range sigs {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", provider.ErrSignatureInvalid)
}

func signature(body []byte, secret, ts string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
