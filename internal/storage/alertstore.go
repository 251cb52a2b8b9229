// Package storage keeps the local log of emergency alerts.
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/safety-net/internal/models"
)

// AlertStore persists alerts. Saving an alert whose ID is already stored is
// a no-op, so redelivered alerts are logged once.
type AlertStore interface {
	SaveAlert(ctx context.Context, a models.AlertEvent) error
	// ListAlerts returns the newest alerts first. limit <= 0 means all.
	ListAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error)
}

// EnsureID gives a an id when it arrived without one.
func EnsureID(a *models.AlertEvent) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
}

type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]models.AlertEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]models.AlertEvent)}
}

func (m *MemoryStore) SaveAlert(_ context.Context, a models.AlertEvent) error {
	EnsureID(&a)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; ok {
		return nil
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, limit int) ([]models.AlertEvent, error) {
	m.mu.RLock()
	out := make([]models.AlertEvent, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.After(out[j].IssuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Get(id string) (models.AlertEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	return a, ok
}
