package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fhirdhis/adapter/pkg/pagination"
)

// ErrNotFound is returned when no subscription or subscription resource has
// the requested id.
var ErrNotFound = errors.New("subscription not found")

// Repository defines the data access interface for subscriptions and their
// resources.
type Repository interface {
	Create(ctx context.Context, s *Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Subscription, int, error)

	CreateResource(ctx context.Context, r *Resource) error
	GetResource(ctx context.Context, id uuid.UUID) (*Resource, error)
	ListResources(ctx context.Context, subscriptionID uuid.UUID) ([]*Resource, error)
	// ListPollable returns the resources of every enabled subscription.
	ListPollable(ctx context.Context) ([]*Resource, error)
	DeleteResource(ctx context.Context, id uuid.UUID) error
	// SetLastUpdated advances the poll watermark.
	SetLastUpdated(ctx context.Context, id uuid.UUID, t time.Time) error
}

// MemoryRepository keeps subscriptions in process memory.
type MemoryRepository struct {
	mu        sync.RWMutex
	subs      map[uuid.UUID]*Subscription
	resources map[uuid.UUID]*Resource
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		subs:      make(map[uuid.UUID]*Subscription),
		resources: make(map[uuid.UUID]*Resource),
	}
}

func (m *MemoryRepository) Create(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) Update(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.subs[s.ID]
	if !ok {
		return ErrNotFound
	}
	s.CreatedAt = old.CreatedAt
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *MemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	for rid, r := range m.resources {
		if r.SubscriptionID == id {
			delete(m.resources, rid)
		}
	}
	return nil
}

func (m *MemoryRepository) List(_ context.Context, limit, offset int) ([]*Subscription, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		cp := *s
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	lo, hi := pagination.Bounds(len(all), limit, offset)
	return all[lo:hi], len(all), nil
}

func (m *MemoryRepository) CreateResource(_ context.Context, r *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[r.SubscriptionID]; !ok {
		return ErrNotFound
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	m.resources[r.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetResource(_ context.Context, id uuid.UUID) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) ListResources(_ context.Context, subscriptionID uuid.UUID) ([]*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Resource
	for _, r := range m.resources {
		if r.SubscriptionID == subscriptionID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceType < out[j].ResourceType })
	return out, nil
}

func (m *MemoryRepository) ListPollable(_ context.Context) ([]*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Resource
	for _, r := range m.resources {
		if s, ok := m.subs[r.SubscriptionID]; ok && s.Enabled {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryRepository) DeleteResource(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, id)
	return nil
}

func (m *MemoryRepository) SetLastUpdated(_ context.Context, id uuid.UUID, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return ErrNotFound
	}
	t = t.UTC()
	r.RemoteLastUpdated = &t
	r.UpdatedAt = time.Now().UTC()
	return nil
}
