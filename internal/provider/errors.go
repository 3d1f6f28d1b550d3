package provider

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProviderUnavailable — провайдер выключен, недоступен или ответил 5xx.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrInvalidAmount — сумма или валюта не приняты.
	ErrInvalidAmount = errors.New("invalid payment amount")
	// ErrSignatureInvalid — подпись webhook отсутствует или не совпала.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrAlreadyRefunded — провайдер сообщил, что возвращать больше нечего.
	ErrAlreadyRefunded = errors.New("payment already refunded")
	// ErrMalformedPayload — тело с корректной подписью не удалось разобрать.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrRequestRejected — провайдер отклонил запрос по причине, не связанной с суммой.
	ErrRequestRejected = errors.New("payment provider rejected request")
	// ErrUnknownProvider — адаптер с таким именем не зарегистрирован.
	ErrUnknownProvider = errors.New("unknown payment provider")
)

// ErrCircuitOpen — вызов не выполнялся, circuit breaker разомкнут.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", ErrProviderUnavailable)

// IsRetryable сообщает, имеет ли смысл повторять вызов.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// ValidateAmount проверяет сумму и код валюты ISO-4217.
func ValidateAmount(amountMinor int64, currency string) error {
	if amountMinor <= 0 {
		return ErrInvalidAmount
	}
	if len(currency) != 3 {
		return ErrInvalidAmount
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return ErrInvalidAmount
		}
	}
	return nil
}

// NormalizeCurrency приводит код валюты к верхнему регистру.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
