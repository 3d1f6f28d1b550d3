// Package coupon проверяет купоны по статической таблице из конфигурации.
package coupon

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Rule — скидка купона: процент от subtotal или фиксированная сумма в минимальных единицах.
type Rule struct {
	Percent     decimal.Decimal
	AmountMinor int64
}

func (r Rule) discount(subtotalMinor int64) int64 {
	d := r.AmountMinor
	if r.Percent.IsPositive() {
		d = decimal.NewFromInt(subtotalMinor).Mul(r.Percent).Div(hundred).Round(0).IntPart()
	}
	if d > subtotalMinor {
		return subtotalMinor
	}
	return d
}

// Static — неизменяемая таблица купонов.
type Static struct {
	rules map[string]Rule
}

// ParseRules разбирает таблицу вида {"WELCOME10": "10%", "FLAT5": "500"}.
func ParseRules(raw map[string]string) (*Static, error) {
	rules := make(map[string]Rule, len(raw))
	for code, rule := range raw {
		code = normalize(code)
		rule = strings.TrimSpace(rule)
		if code == "" || rule == "" {
			return nil, fmt.Errorf("coupon %q: empty code or rule", code)
		}

		var rule Rule
		if pct, ok := strings.CutSuffix(rule, "%"); ok {
			p, err := decimal.NewFromString(pct)
			if err != nil || !p.IsPositive() || p.GreaterThan(hundred) {
				return nil, fmt.Errorf("coupon %s: percent must be in (0, 100], got %q", code, rule)
			}
			rule.Percent = p
		} else {
			amount, err := strconv.ParseInt(rule, 10, 64)
			if err != nil || amount <= 0 {
				return nil, fmt.Errorf("coupon %s: amount must be a positive integer, got %q", code, rule)
			}
			rule.AmountMinor = amount
		}
		rules[code] = rule
	}
	return &Static{rules: rules}, nil
}

// Validate возвращает скидку, ограниченную subtotal.
func (s *Static) Validate(ctx context.Context, code string, subtotalMinor int64, currency string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rule, ok := s.rules[normalize(code)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrCouponInvalid, code)
	}
	if subtotalMinor <= 0 {
		return 0, fmt.Errorf("%w: empty cart", domain.ErrCouponInvalid)
	}
	return rule.discount(subtotalMinor), nil
}

// Codes возвращает известные коды по алфавиту.
func (s *Static) Codes() []string {
	codes := make([]string, 0, len(s.rules))
	for code := range s.rules {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var _ domain.CouponValidator = (*Static)(nil)
