package script

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fhirdhis/adapter/pkg/pagination"
)

// ErrNotFound is returned when no script has the requested id.
var ErrNotFound = errors.New("script not found")

// Repository defines the data access interface for scripts.
type Repository interface {
	Create(ctx context.Context, s *Script) error
	GetByID(ctx context.Context, id uuid.UUID) (*Script, error)
	Update(ctx context.Context, s *Script) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Script, int, error)
}

// MemoryRepository keeps scripts in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	scripts map[uuid.UUID]*Script
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{scripts: make(map[uuid.UUID]*Script)}
}

func (r *MemoryRepository) Create(_ context.Context, s *Script) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	cp := *s
	r.scripts[s.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) Update(_ context.Context, s *Script) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scripts[s.ID]; !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	r.scripts[s.ID] = &cp
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scripts, id)
	return nil
}

func (r *MemoryRepository) List(_ context.Context, limit, offset int) ([]*Script, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Script, 0, len(r.scripts))
	for _, s := range r.scripts {
		cp := *s
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	lo, hi := pagination.Bounds(len(all), limit, offset)
	return all[lo:hi], len(all), nil
}
