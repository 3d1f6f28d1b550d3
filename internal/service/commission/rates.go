package commission

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultPlatformRate — ставка платформенного оператора по умолчанию, в процентах.
var DefaultPlatformRate = decimal.NewFromInt(12)

// ErrRateInvalid — ставка вне диапазона [0, 100].
var ErrRateInvalid = errors.New("commission rate must be within [0, 100]")

// RateTable — неизменяемый снимок ставок комиссии по ролям.
type RateTable struct {
	rates map[string]decimal.Decimal
}

// NewRateTable проверяет ставки и возвращает снимок.
func NewRateTable(rates map[string]decimal.Decimal) (RateTable, error) {
	copied := make(map[string]decimal.Decimal, len(rates))
	for role, rate := range rates {
		role = strings.TrimSpace(role)
		if role == "" {
			return RateTable{}, errors.New("commission role is required")
		}
		if err := validateRate(rate); err != nil {
			return RateTable{}, fmt.Errorf("role %s: %w", role, err)
		}
		copied[role] = rate
	}
	return RateTable{rates: copied}, nil
}

// ParseRateTable разбирает значения из конфигурации, например {"platform_operator": "12"}.
func ParseRateTable(raw map[string]string) (RateTable, error) {
	rates := make(map[string]decimal.Decimal, len(raw))
	for role, value := range raw {
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return RateTable{}, fmt.Errorf("role %s: parse rate %q: %w", role, value, err)
		}
		rates[role] = rate
	}
	return NewRateTable(rates)
}

// Resolve возвращает ставку роли.
func (t RateTable) Resolve(role string) (decimal.Decimal, bool) {
	rate, ok := t.rates[role]
	return rate, ok
}

// With возвращает новый снимок с изменённой ставкой роли.
func (t RateTable) With(role string, rate decimal.Decimal) (RateTable, error) {
	next := make(map[string]decimal.Decimal, len(t.rates)+1)
	for r, v := range t.rates {
		next[r] = v
	}
	next[role] = rate
	return NewRateTable(next)
}

// Roles возвращает роли по алфавиту.
func (t RateTable) Roles() []string {
	roles := make([]string, 0, len(t.rates))
	for role := range t.rates {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

func validateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return ErrRateInvalid
	}
	return nil
}
