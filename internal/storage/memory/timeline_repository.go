package memory

import (
	"slices"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

// timelineStore держит историю каждого заказа отсортированной по Occurred.
type timelineStore struct {
	mu      sync.RWMutex
	byOrder map[string][]domain.TimelineEvent
	now     func() time.Time
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineStore{
		byOrder: make(map[string][]domain.TimelineEvent),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append вставляет событие после всех событий с тем же или более ранним временем.
func (s *timelineStore) Append(event domain.TimelineEvent) error {
	if event.OrderID == "" {
		return domain.ErrOrderIDRequired
	}
	if event.Occurred.IsZero() {
		event.Occurred = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.byOrder[event.OrderID]
	pos, _ := slices.BinarySearchFunc(history, event.Occurred, func(e domain.TimelineEvent, at time.Time) int {
		if e.Occurred.After(at) {
			return 1
		}
		return -1
	})
	s.byOrder[event.OrderID] = slices.Insert(history, pos, event)
	return nil
}

func (s *timelineStore) List(orderID string) ([]domain.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.byOrder[orderID]
	if len(history) == 0 {
		return []domain.TimelineEvent{}, nil
	}
	return slices.Clone(history), nil
}

var _ domain.TimelineRepository = (*timelineStore)(nil)
