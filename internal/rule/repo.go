package rule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fhirdhis/adapter/pkg/pagination"
)

// ErrNotFound is returned when no rule has the requested id.
var ErrNotFound = errors.New("rule not found")

// Repository defines the data access interface for rules.
type Repository interface {
	Create(ctx context.Context, r *Rule) error
	GetByID(ctx context.Context, id uuid.UUID) (*Rule, error)
	Update(ctx context.Context, r *Rule) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Rule, int, error)
	// ListEnabledBySource returns every enabled rule for sourceType, in no
	// particular order.
	ListEnabledBySource(ctx context.Context, sourceType string) ([]*Rule, error)
}

// MemoryRepository keeps rules in process memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	rules map[uuid.UUID]*Rule
	// Reads counts ListEnabledBySource calls.
	Reads int
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rules: make(map[uuid.UUID]*Rule)}
}

func (m *MemoryRepository) Create(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) Update(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		return ErrNotFound
	}
	r.UpdatedAt = time.Now().UTC()
	r.Version++
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *MemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, id)
	return nil
}

func (m *MemoryRepository) List(_ context.Context, limit, offset int) ([]*Rule, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	lo, hi := pagination.Bounds(len(all), limit, offset)
	return all[lo:hi], len(all), nil
}

func (m *MemoryRepository) ListEnabledBySource(_ context.Context, sourceType string) ([]*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reads++
	var out []*Rule
	for _, r := range m.rules {
		if r.Enabled && r.SourceType == sourceType {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
