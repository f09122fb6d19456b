package incident

import (
	"context"
	"sort"
	"sync"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory incident store for demo/testing.
type MemoryStore struct {
	incidents map[string]*Incident
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory incident store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{incidents: make(map[string]*Incident)}
}

func copyIncident(inc *Incident) *Incident {
	cp := *inc
	cp.AffectedEventIDs = append([]string(nil), inc.AffectedEventIDs...)
	if inc.ResolvedAt != nil {
		at := *inc.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.incidents {
		if existing.TargetID == inc.TargetID && !existing.Status.Terminal() {
			return ErrOpenExists
		}
	}
	cp := copyIncident(inc)
	cp.Version = 1
	m.incidents[cp.ID] = cp
	inc.Version = cp.Version
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyIncident(inc), nil
}

func (m *MemoryStore) GetOpenByTarget(_ context.Context, targetID string) (*Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inc := range m.incidents {
		if inc.TargetID == targetID && !inc.Status.Terminal() {
			return copyIncident(inc), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(_ context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.incidents[inc.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != inc.Version {
		return ErrVersionConflict
	}
	cp := copyIncident(inc)
	cp.Version = stored.Version + 1
	m.incidents[inc.ID] = cp
	inc.Version = cp.Version
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Incident
	for _, inc := range m.incidents {
		if filter.Status != "" && inc.Status != filter.Status {
			continue
		}
		if filter.TargetID != "" && inc.TargetID != filter.TargetID {
			continue
		}
		result = append(result, copyIncident(inc))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DetectedAt.Equal(result[j].DetectedAt) {
			return result[i].DetectedAt.After(result[j].DetectedAt)
		}
		return result[i].ID > result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}
