package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

// Registry хранит адаптеры по имени провайдера.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Provider]Adapter
}

// NewRegistry создаёт реестр из набора адаптеров.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register добавляет или заменяет адаптер.
func (r *Registry) Register(adapter Adapter) {
	if adapter == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
}

// Get возвращает адаптер или ErrUnknownProvider.
func (r *Registry) Get(name domain.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return adapter, nil
}

// Enabled возвращает имена провайдеров, для которых заданы учётные данные.
func (r *Registry) Enabled() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]domain.Provider, 0, len(r.adapters))
	for name, adapter := range r.adapters {
		if adapter.Enabled() {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
