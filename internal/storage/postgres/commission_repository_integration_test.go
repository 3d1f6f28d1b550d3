package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

func TestCommissionRepository_PostgresFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	orders := NewOrderRepository(store)
	repo := NewCommissionRepository(store)

	day := time.Now().UTC().Truncate(24 * time.Hour).Add(-48 * time.Hour)
	for i, id := range []string{"c-order-1", "c-order-2", "c-order-3"} {
		order := sampleOrder(id, "customer-c", day)
		if err := orders.Create(order); err != nil {
			t.Fatalf("create order %s: %v", id, err)
		}
		_, created, err := repo.Insert(domain.CommissionEntry{
			OrderID:         id,
			Currency:        "USD",
			OrderTotalMinor: order.Total(),
			RatePercent:     decimal.RequireFromString("12.5"),
			AmountMinor:     domain.CommissionAmount(order.Total(), decimal.RequireFromString("12.5")),
			BeneficiaryRole: domain.RolePlatformOperator,
			AccruedAt:       day.Add(time.Duration(i) * 12 * time.Hour),
		})
		if err != nil || !created {
			t.Fatalf("insert commission %s: created=%v err=%v", id, created, err)
		}
	}

	dup, created, err := repo.Insert(domain.CommissionEntry{
		OrderID:         "c-order-1",
		Currency:        "USD",
		RatePercent:     decimal.NewFromInt(50),
		AmountMinor:     1,
		BeneficiaryRole: domain.RolePlatformOperator,
		AccruedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if created {
		t.Fatal("duplicate insert must not create a second entry")
	}
	if !dup.RatePercent.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("existing entry must win, got rate %s", dup.RatePercent)
	}

	between, err := repo.ListAccruedBetween(day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list between: %v", err)
	}
	if len(between) != 2 || between[0].OrderID != "c-order-2" {
		t.Fatalf("unexpected entries between: %+v", between)
	}

	page, err := repo.List(2, 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 2 || page[0].OrderID != "c-order-2" || page[1].OrderID != "c-order-1" {
		t.Fatalf("unexpected page: %+v", page)
	}

	settled, err := repo.MarkSettled("c-order-3", time.Now())
	if err != nil {
		t.Fatalf("mark settled: %v", err)
	}
	if settled.Status != domain.CommissionStatusSettled || settled.SettledAt == nil {
		t.Fatalf("unexpected settled entry: %+v", settled)
	}
	if _, err := repo.MarkSettled("c-order-3", time.Now()); !errors.Is(err, domain.ErrCommissionSettled) {
		t.Fatalf("expected ErrCommissionSettled, got %v", err)
	}
	if _, err := repo.MarkSettled("missing", time.Now()); !errors.Is(err, domain.ErrCommissionNotFound) {
		t.Fatalf("expected ErrCommissionNotFound, got %v", err)
	}

	pending, err := repo.ListByStatus(domain.CommissionStatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries, got %d", len(pending))
	}

	stored, err := repo.GetByOrder("c-order-3")
	if err != nil {
		t.Fatalf("get by order: %v", err)
	}
	if stored.Status != domain.CommissionStatusSettled {
		t.Fatalf("settled status must persist, got %s", stored.Status)
	}
}
