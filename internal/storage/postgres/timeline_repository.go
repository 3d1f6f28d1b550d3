package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

// maxTimelineReason ограничивает длину причины: туда попадают тексты ошибок провайдеров.
const maxTimelineReason = 1024

var errTimelineTypeRequired = errors.New("timeline event type is required")

const (
	insertTimelineSQL = `INSERT INTO timeline_events (order_id, type, reason, occurred) VALUES ($1, $2, $3, $4)`
	selectTimelineSQL = `SELECT order_id, type, reason, occurred FROM timeline_events WHERE order_id = $1 ORDER BY occurred, id`
)

// timelineRepository пишет историю заказа в timeline_events. Строки только добавляются.
type timelineRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *timelineRepository) Append(event domain.TimelineEvent) error {
	switch {
	case event.OrderID == "":
		return domain.ErrOrderIDRequired
	case event.Type == "":
		return errTimelineTypeRequired
	}
	occurred := event.Occurred
	if occurred.IsZero() {
		occurred = r.now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, insertTimelineSQL, event.OrderID, event.Type, clipReason(event.Reason), occurred.UTC())
	if err != nil {
		return fmt.Errorf("append timeline %s for order %s: %w", event.Type, event.OrderID, err)
	}
	return nil
}

func (r *timelineRepository) List(orderID string) ([]domain.TimelineEvent, error) {
	if orderID == "" {
		return nil, domain.ErrOrderIDRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, selectTimelineSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("query timeline for order %s: %w", orderID, err)
	}
	defer rows.Close()
	return collectTimeline(rows)
}

func collectTimeline(rows *sql.Rows) ([]domain.TimelineEvent, error) {
	events := []domain.TimelineEvent{}
	for rows.Next() {
		var ev domain.TimelineEvent
		if err := rows.Scan(&ev.OrderID, &ev.Type, &ev.Reason, &ev.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		ev.Occurred = ev.Occurred.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read timeline rows: %w", err)
	}
	return events, nil
}

// clipReason обрезает причину по границе руны.
func clipReason(reason string) string {
	if len(reason) <= maxTimelineReason {
		return reason
	}
	cut := maxTimelineReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
