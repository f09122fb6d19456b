package review

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store implementation for demo/testing.
type MemoryStore struct {
	events  map[string]*ReviewEvent
	authors map[string]*AuthorProfile
	targets map[string]*TargetEntity
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory review store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  make(map[string]*ReviewEvent),
		authors: make(map[string]*AuthorProfile),
		targets: make(map[string]*TargetEntity),
	}
}

// BulkWrite applies the batch all-or-nothing. The whole batch is validated
// before anything is written, so a rejected batch has zero effect.
func (m *MemoryStore) BulkWrite(_ context.Context, ops []WriteOp) (BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stage author IDs visible to events in this batch: everything already
	// stored plus authors earlier (or later) in the same batch. Order within
	// the batch does not matter for resolution; atomicity does.
	staged := make(map[string]bool, len(ops))
	for _, op := range ops {
		if a, ok := op.(PutAuthor); ok {
			if a.Author == nil || a.Author.ID == "" {
				return BulkResult{Failed: len(ops)}, &BulkWriteError{
					Failed: len(ops), Err: fmt.Errorf("author op missing id"),
				}
			}
			staged[a.Author.ID] = true
		}
	}

	for _, op := range ops {
		switch v := op.(type) {
		case PutEvent:
			if v.Event == nil || v.Event.ID == "" {
				return BulkResult{Failed: len(ops)}, &BulkWriteError{
					Failed: len(ops), Err: fmt.Errorf("event op missing id"),
				}
			}
			if _, ok := m.authors[v.Event.AuthorID]; !ok && !staged[v.Event.AuthorID] {
				return BulkResult{Failed: len(ops)}, &BulkWriteError{
					Failed: len(ops),
					Err:    fmt.Errorf("event %s: author %s does not resolve", v.Event.ID, v.Event.AuthorID),
				}
			}
		case PutTarget:
			if v.Target == nil || v.Target.ID == "" {
				return BulkResult{Failed: len(ops)}, &BulkWriteError{
					Failed: len(ops), Err: fmt.Errorf("target op missing id"),
				}
			}
		}
	}

	for _, op := range ops {
		switch v := op.(type) {
		case PutEvent:
			cp := *v.Event
			m.events[cp.ID] = &cp
		case PutAuthor:
			cp := *v.Author
			m.authors[cp.ID] = &cp
		case PutTarget:
			cp := *v.Target
			m.targets[cp.ID] = &cp
		}
	}
	return BulkResult{Succeeded: len(ops)}, nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (*ReviewEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *MemoryStore) GetEvents(_ context.Context, ids []string) ([]*ReviewEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*ReviewEvent, 0, len(ids))
	for _, id := range ids {
		if ev, ok := m.events[id]; ok {
			cp := *ev
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) QueryEvents(_ context.Context, q EventQuery) ([]*ReviewEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	excluded := make(map[EventStatus]bool, len(q.ExcludeStatuses))
	for _, s := range q.ExcludeStatuses {
		excluded[s] = true
	}

	var result []*ReviewEvent
	for _, ev := range m.events {
		if !q.Since.IsZero() && ev.SubmittedAt.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && ev.SubmittedAt.After(q.Until) {
			continue
		}
		if q.MaxRating > 0 && ev.Rating > q.MaxRating {
			continue
		}
		if excluded[ev.Status] {
			continue
		}
		if q.TargetID != "" && ev.TargetID != q.TargetID {
			continue
		}
		cp := *ev
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmittedAt.Before(result[j].SubmittedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, before time.Time, beforeID string, limit int) ([]*ReviewEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ReviewEvent
	for _, ev := range m.events {
		if !before.IsZero() {
			if ev.SubmittedAt.After(before) {
				continue
			}
			if ev.SubmittedAt.Equal(before) && ev.ID >= beforeID {
				continue
			}
		}
		cp := *ev
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].SubmittedAt.Equal(result[j].SubmittedAt) {
			return result[i].SubmittedAt.After(result[j].SubmittedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateEventStatus(_ context.Context, id string, patch StatusPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	if !ev.Status.CanTransitionTo(patch.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ev.Status, patch.Status)
	}
	if patch.Status == StatusHeld && patch.HeldReason == "" {
		return ErrHoldReasonMissing
	}

	ev.Status = patch.Status
	if patch.Status == StatusHeld {
		ev.HeldReason = patch.HeldReason
		ev.HeldAt = patch.HeldAt
	}
	if patch.IncidentID != "" {
		ev.IncidentID = patch.IncidentID
	}
	return nil
}

func (m *MemoryStore) GetAuthor(_ context.Context, id string) (*AuthorProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.authors[id]
	if !ok {
		return nil, ErrAuthorNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAuthors(_ context.Context, ids []string) (map[string]*AuthorProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*AuthorProfile, len(ids))
	for _, id := range ids {
		if a, ok := m.authors[id]; ok {
			cp := *a
			result[id] = &cp
		}
	}
	return result, nil
}

func (m *MemoryStore) GetTarget(_ context.Context, id string) (*TargetEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[id]
	if !ok {
		return nil, ErrTargetNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) SetTargetProtection(_ context.Context, id string, protected bool, reason string, since *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return ErrTargetNotFound
	}
	t.RatingProtected = protected
	if protected {
		t.ProtectionReason = reason
		t.ProtectedSince = since
	} else {
		t.ProtectionReason = ""
		t.ProtectedSince = nil
	}
	return nil
}
