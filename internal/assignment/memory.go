package assignment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fhirdhis/adapter/pkg/resource"
)

type memKey struct {
	ruleID uuid.UUID
	source resource.Ref
}

// MemoryStore keeps assignments in process memory. Writes are applied
// immediately and are not rolled back with the unit of work.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[memKey]*Assignment
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[memKey]*Assignment)}
}

func (m *MemoryStore) Find(_ context.Context, ruleID uuid.UUID, source resource.Ref) (*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[memKey{ruleID, source}]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) FindReverse(_ context.Context, target resource.Ref) (*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Assignment
	for _, a := range m.byID {
		if a.Target == target && (found == nil || a.CreatedAt.Before(found.CreatedAt)) {
			found = a
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) Upsert(_ context.Context, a *Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	k := memKey{a.RuleID, a.Source}
	if existing, ok := m.byID[k]; ok {
		existing.Target = a.Target
		existing.UpdatedAt = now
		*a = *existing
		return nil
	}
	a.ID = uuid.New()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	m.byID[k] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, ruleID uuid.UUID, source resource.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, memKey{ruleID, source})
	return nil
}

// Len returns the number of assignments.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
