package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

func TestTimelineRepository_PostgresHistoryOrder(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	orders := NewOrderRepository(store)
	timeline := NewTimelineRepository(store)

	base := time.Now().UTC().Add(-time.Hour).Round(time.Microsecond)
	order := sampleOrder("timeline-order", "customer-timeline", base)
	require.NoError(t, orders.Create(order))

	// Запись с более поздним временем идёт первой: порядок задаёт occurred, а не вставка.
	require.NoError(t, timeline.Append(domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     domain.TimelinePaymentEventApplied,
		Reason:   "captured gb-pay-1",
		Occurred: base.Add(2 * time.Minute),
	}))
	require.NoError(t, timeline.Append(domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     domain.TimelineOrderCreated,
		Reason:   "checkout",
		Occurred: base,
	}))
	require.NoError(t, timeline.Append(domain.TimelineEvent{
		OrderID: order.ID,
		Type:    domain.TimelineRefundRequested,
	}))

	events, err := timeline.List(order.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.TimelineOrderCreated, events[0].Type)
	assert.Equal(t, domain.TimelinePaymentEventApplied, events[1].Type)
	assert.Equal(t, domain.TimelineRefundRequested, events[2].Type)
	assert.True(t, events[0].Occurred.Equal(base))
	assert.Equal(t, time.UTC, events[2].Occurred.Location())
	assert.False(t, events[2].Occurred.IsZero())
}

func TestTimelineRepository_PostgresClipsLongReason(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	orders := NewOrderRepository(store)
	timeline := NewTimelineRepository(store)

	order := sampleOrder("timeline-long", "customer-timeline", time.Now().UTC())
	require.NoError(t, orders.Create(order))

	reason := strings.Repeat("ж", maxTimelineReason)
	require.NoError(t, timeline.Append(domain.TimelineEvent{
		OrderID: order.ID,
		Type:    domain.TimelineIntentFailed,
		Reason:  reason,
	}))

	events, err := timeline.List(order.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.LessOrEqual(t, len(events[0].Reason), maxTimelineReason)
	assert.True(t, strings.HasPrefix(reason, events[0].Reason))
}

func TestTimelineRepository_PostgresRejectsOrphansAndBlanks(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	timeline := NewTimelineRepository(store)

	err := timeline.Append(domain.TimelineEvent{OrderID: "missing-order", Type: domain.TimelineOrderCreated})
	require.Error(t, err, "foreign key must reject events for unknown orders")

	require.ErrorIs(t, timeline.Append(domain.TimelineEvent{Type: domain.TimelineOrderCreated}), domain.ErrOrderIDRequired)
	require.ErrorIs(t, timeline.Append(domain.TimelineEvent{OrderID: "x"}), errTimelineTypeRequired)

	events, err := timeline.List("missing-order")
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = timeline.List("")
	require.ErrorIs(t, err, domain.ErrOrderIDRequired)
}

func TestClipReason(t *testing.T) {
	assert.Equal(t, "short", clipReason("short"))

	ascii := strings.Repeat("a", maxTimelineReason+10)
	assert.Len(t, clipReason(ascii), maxTimelineReason)

	// Трёхбайтовая руна не должна разрезаться посередине.
	multi := strings.Repeat("a", maxTimelineReason-1) + "€"
	clipped := clipReason(multi)
	assert.Equal(t, strings.Repeat("a", maxTimelineReason-1), clipped)
}
