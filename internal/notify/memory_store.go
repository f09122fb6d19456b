package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory notification store for demo/testing.
type MemoryStore struct {
	notifications map[string]*Notification
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notifications: make(map[string]*Notification)}
}

func (m *MemoryStore) Save(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.notifications[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context, unreadOnly bool, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Notification
	for _, n := range m.notifications {
		if unreadOnly && n.Read {
			continue
		}
		cp := *n
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	n.Read = true
	n.ReadAt = &now
	return nil
}
