package commission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

const (
	maxDailyBuckets   = 366
	maxMonthlyBuckets = 120
	maxPageSize       = 500
)

// ErrInvalidRange — некорректный период или размер выборки.
var ErrInvalidRange = errors.New("invalid report range")

// Totals — агрегаты по одной валюте.
type Totals struct {
	Currency        string `json:"currency"`
	Orders          int    `json:"orders"`
	OrderTotalMinor int64  `json:"order_total_minor"`
	CommissionMinor int64  `json:"commission_minor"`
	PendingMinor    int64  `json:"pending_minor"`
	SettledMinor    int64  `json:"settled_minor"`
}

// Summary — агрегаты за период [From, To).
type Summary struct {
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Orders int       `json:"orders"`
	Totals []Totals  `json:"totals"`
}

// Bucket — агрегаты за день или месяц.
type Bucket struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Orders int       `json:"orders"`
	Totals []Totals  `json:"totals"`
}

// Summary считает начисления за [from, to).
func (s *Service) Summary(ctx context.Context, from, to time.Time) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	from, to = from.UTC(), to.UTC()
	if !to.After(from) {
		return Summary{}, fmt.Errorf("%w: to must be after from", ErrInvalidRange)
	}
	entries, err := s.repo.ListAccruedBetween(from, to)
	if err != nil {
		return Summary{}, fmt.Errorf("list commissions: %w", err)
	}
	return Summary{From: from, To: to, Orders: len(entries), Totals: aggregate(entries)}, nil
}

// Daily возвращает n суточных корзин UTC, начиная с сегодняшней. Пустые дни тоже попадают в ответ.
func (s *Service) Daily(ctx context.Context, n int) ([]Bucket, error) {
	if n <= 0 || n > maxDailyBuckets {
		return nil, fmt.Errorf("%w: days must be within [1, %d]", ErrInvalidRange, maxDailyBuckets)
	}
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.buckets(ctx, n, today, func(t time.Time, k int) time.Time { return t.AddDate(0, 0, k) })
}

// Monthly возвращает n месячных корзин UTC, начиная с текущего месяца.
func (s *Service) Monthly(ctx context.Context, n int) ([]Bucket, error) {
	if n <= 0 || n > maxMonthlyBuckets {
		return nil, fmt.Errorf("%w: months must be within [1, %d]", ErrInvalidRange, maxMonthlyBuckets)
	}
	now := s.now().UTC()
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return s.buckets(ctx, n, month, func(t time.Time, k int) time.Time { return t.AddDate(0, k, 0) })
}

// ByOrder возвращает начисления постранично, новые первыми.
func (s *Service) ByOrder(ctx context.Context, limit, offset int) ([]domain.CommissionEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxPageSize || offset < 0 {
		return nil, fmt.Errorf("%w: limit must be within [1, %d], offset non-negative", ErrInvalidRange, maxPageSize)
	}
	return s.repo.List(limit, offset)
}

// Pending возвращает невыплаченные начисления.
func (s *Service) Pending(ctx context.Context) ([]domain.CommissionEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.repo.ListByStatus(domain.CommissionStatusPending)
}

// buckets строит n корзин от current назад; step(t, k) сдвигает начало корзины на k периодов.
func (s *Service) buckets(ctx context.Context, n int, current time.Time, step func(time.Time, int) time.Time) ([]Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	oldest := step(current, -(n - 1))
	end := step(current, 1)

	entries, err := s.repo.ListAccruedBetween(oldest, end)
	if err != nil {
		return nil, fmt.Errorf("list commissions: %w", err)
	}

	grouped := make([][]domain.CommissionEntry, n)
	for _, entry := range entries {
		at := entry.AccruedAt.UTC()
		for i := 0; i < n; i++ {
			start := step(current, -i)
			if !at.Before(start) {
				grouped[i] = append(grouped[i], entry)
				break
			}
		}
	}

	result := make([]Bucket, 0, n)
	for i := 0; i < n; i++ {
		start := step(current, -i)
		result = append(result, Bucket{
			Start:  start,
			End:    step(start, 1),
			Orders: len(grouped[i]),
			Totals: aggregate(grouped[i]),
		})
	}
	return result, nil
}

func aggregate(entries []domain.CommissionEntry) []Totals {
	byCurrency := make(map[string]*Totals)
	for _, e := range entries {
		t, ok := byCurrency[e.Currency]
		if !ok {
			t = &Totals{Currency: e.Currency}
			byCurrency[e.Currency] = t
		}
		t.Orders++
		t.OrderTotalMinor += e.OrderTotalMinor
		t.CommissionMinor += e.AmountMinor
		if e.Status == domain.CommissionStatusSettled {
			t.SettledMinor += e.AmountMinor
		} else {
			t.PendingMinor += e.AmountMinor
		}
	}

	totals := make([]Totals, 0, len(byCurrency))
	for _, t := range byCurrency {
		totals = append(totals, *t)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Currency < totals[j].Currency })
	return totals
}
