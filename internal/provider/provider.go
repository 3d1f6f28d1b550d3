// Package provider описывает единый контракт платёжных провайдеров и общие
// механизмы исходящих вызовов: таймауты, повторы и circuit breaker.
package provider

import (
	"context"
	"net/http"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

// Adapter — контракт, который реализует каждый провайдер.
// Engine и HTTP-слой работают только через него.
type Adapter interface {
	Name() domain.Provider
	// Enabled сообщает, что у провайдера есть учётные данные.
	Enabled() bool
	// CreateIntent создаёт платёжное намерение у провайдера.
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	// VerifyWebhook проверяет подпись по сырому телу и только потом разбирает его.
	VerifyWebhook(ctx context.Context, raw []byte, headers http.Header) (domain.PaymentEvent, error)
	// Refund запрашивает полный (AmountMinor == nil) или частичный возврат.
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// IntentRequest — параметры платёжного намерения.
type IntentRequest struct {
	OrderID        string
	OrderNumber    string
	AmountMinor    int64
	Currency       string
	IdempotencyKey string
	// SourceToken — токен платёжного средства, полученный клиентом у провайдера.
	// Нужен провайдерам, которые списывают сразу при создании платежа.
	SourceToken string
	Metadata    map[string]string
}

// Intent — ответ провайдера на создание намерения.
type Intent struct {
	Reference string
	// ClientHandle передаётся клиенту для завершения оплаты (client secret, checkout url).
	ClientHandle string
	Status       string
}

// RefundRequest — параметры возврата.
type RefundRequest struct {
	OrderID        string
	Reference      string
	AmountMinor    *int64
	Currency       string
	IdempotencyKey string
}

// RefundResult — ответ провайдера на возврат.
type RefundResult struct {
	Reference   string
	Status      string
	AmountMinor int64
}
