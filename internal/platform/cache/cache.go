// Package cache provides the two-tier cache used during transformation: a
// shared tier (Redis or in-memory) behind an isolated per-unit-of-work scope
// that keeps repeated lookups within one request consistent.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Shared is the process- or cluster-wide cache tier.
type Shared interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Loader fetches a value on a cache miss. found=false records a miss that is
// memoized for the scope but not written to the shared tier.
type Loader func(ctx context.Context) (value []byte, found bool, err error)

type entry struct {
	value []byte
	found bool
}

// Scope is the isolated tier. Once a key has been read in a scope, later
// reads return the same value even if the shared tier changes.
type Scope struct {
	shared Shared
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

// NewScope creates a scope over shared. shared may be nil.
func NewScope(shared Shared, ttl time.Duration) *Scope {
	return &Scope{shared: shared, ttl: ttl, entries: make(map[string]entry)}
}

// Get returns the value for key, consulting the shared tier on first access.
func (s *Scope) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.Load(ctx, key, nil)
}

// Load returns the value for key. On a miss in both tiers the loader (if any)
// is called and a found value is written to the shared tier.
func (s *Scope) Load(ctx context.Context, key string, load Loader) ([]byte, bool, error) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		s.mu.Unlock()
		return e.value, e.found, nil
	}
	s.mu.Unlock()

	var (
		value []byte
		found bool
		err   error
	)
	if s.shared != nil {
		value, found, err = s.shared.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
	}
	if !found && load != nil {
		value, found, err = load(ctx)
		if err != nil {
			return nil, false, err
		}
		if found && s.shared != nil {
			if err := s.shared.Set(ctx, key, value, s.ttl); err != nil {
				return nil, false, err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// First reader wins so concurrent readers in one scope agree.
	if e, ok := s.entries[key]; ok {
		return e.value, e.found, nil
	}
	s.entries[key] = entry{value: value, found: found}
	return value, found, nil
}

// Put writes through to the shared tier and updates the scope.
func (s *Scope) Put(ctx context.Context, key string, value []byte) error {
	if s.shared != nil {
		if err := s.shared.Set(ctx, key, value, s.ttl); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.entries[key] = entry{value: value, found: true}
	s.mu.Unlock()
	return nil
}

// Evict removes key from both tiers, for example after the scope wrote the
// underlying resource.
func (s *Scope) Evict(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	if s.shared == nil {
		return nil
	}
	return s.shared.Delete(ctx, key)
}

// LoadJSON is Load decoding the value into out.
func (s *Scope) LoadJSON(ctx context.Context, key string, out interface{}, load func(ctx context.Context) (interface{}, bool, error)) (bool, error) {
	var loader Loader
	if load != nil {
		loader = func(ctx context.Context) ([]byte, bool, error) {
			v, found, err := load(ctx)
			if err != nil || !found {
				return nil, found, err
			}
			raw, err := json.Marshal(v)
			return raw, err == nil, err
		}
	}
	raw, found, err := s.Load(ctx, key, loader)
	if err != nil || !found {
		return found, err
	}
	return true, json.Unmarshal(raw, out)
}

type ctxKey struct{}

// WithScope attaches a fresh scope over shared to ctx.
func WithScope(ctx context.Context, shared Shared, ttl time.Duration) (context.Context, *Scope) {
	s := NewScope(shared, ttl)
	return context.WithValue(ctx, ctxKey{}, s), s
}

// FromContext returns the scope bound to ctx. Without one it returns a
// detached scope with no shared tier, so callers never need a nil check.
func FromContext(ctx context.Context) *Scope {
	if s, ok := ctx.Value(ctxKey{}).(*Scope); ok {
		return s
	}
	return NewScope(nil, 0)
}
