package memory_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/storage/memory"
)

func commissionEntry(orderID string, at time.Time) domain.CommissionEntry {
	return domain.CommissionEntry{
		OrderID:         orderID,
		Currency:        "USD",
		OrderTotalMinor: 10000,
		RatePercent:     decimal.NewFromInt(12),
		AmountMinor:     1200,
		BeneficiaryRole: domain.RolePlatformOperator,
		AccruedAt:       at,
	}
}

func TestCommissionRepository_InsertIsIdempotent(t *testing.T) {
	repo := memory.NewCommissionRepository()
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	stored, created, err := repo.Insert(commissionEntry("order-1", at))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.CommissionStatusPending, stored.Status)

	dup := commissionEntry("order-1", at.Add(time.Hour))
	dup.AmountMinor = 9999
	stored, created, err = repo.Insert(dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(1200), stored.AmountMinor, "existing entry wins")
}

func TestCommissionRepository_Queries(t *testing.T) {
	repo := memory.NewCommissionRepository()
	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"order-1", "order-2", "order-3"} {
		_, _, err := repo.Insert(commissionEntry(id, day.Add(time.Duration(i)*12*time.Hour)))
		require.NoError(t, err)
	}

	between, err := repo.ListAccruedBetween(day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, between, 2)
	assert.Equal(t, "order-2", between[0].OrderID)

	page, err := repo.List(2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "order-2", page[0].OrderID)
	assert.Equal(t, "order-1", page[1].OrderID)

	empty, err := repo.List(10, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCommissionRepository_MarkSettled(t *testing.T) {
	repo := memory.NewCommissionRepository()
	_, _, err := repo.Insert(commissionEntry("order-1", time.Now()))
	require.NoError(t, err)

	at := time.Now().UTC()
	settled, err := repo.MarkSettled("order-1", at)
	require.NoError(t, err)
	assert.Equal(t, domain.CommissionStatusSettled, settled.Status)
	require.NotNil(t, settled.SettledAt)

	_, err = repo.MarkSettled("order-1", at)
	assert.ErrorIs(t, err, domain.ErrCommissionSettled)

	_, err = repo.MarkSettled("missing", at)
	assert.ErrorIs(t, err, domain.ErrCommissionNotFound)

	pending, _ := repo.ListByStatus(domain.CommissionStatusPending)
	assert.Empty(t, pending)
	done, _ := repo.ListByStatus(domain.CommissionStatusSettled)
	assert.Len(t, done, 1)
}

func TestTimelineRepository_Order(t *testing.T) {
	repo := memory.NewTimelineRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o", Type: "second", Occurred: base.Add(time.Minute)}))
	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o", Type: "first", Occurred: base}))
	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o", Type: "second-b", Occurred: base.Add(time.Minute)}))
	assert.ErrorIs(t, repo.Append(domain.TimelineEvent{Type: "orphan"}), domain.ErrOrderIDRequired)

	events, err := repo.List("o")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "first", events[0].Type)
	assert.Equal(t, "second", events[1].Type)
	assert.Equal(t, "second-b", events[2].Type)
}

func TestTimelineRepository_FillsTimeAndCopies(t *testing.T) {
	repo := memory.NewTimelineRepository()

	empty, err := repo.List("nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o", Type: domain.TimelineOrderCreated}))
	events, err := repo.List("o")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Occurred.IsZero())

	events[0].Type = "mutated"
	again, _ := repo.List("o")
	assert.Equal(t, domain.TimelineOrderCreated, again[0].Type)
}
