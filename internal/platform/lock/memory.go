package lock

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// MemoryBackend serializes lock holders within one process. It backs tests
// and single-instance deployments without PostgreSQL.
type MemoryBackend struct {
	mu    sync.Mutex
	slots map[int64]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

// NewMemoryBackend creates an in-process lock backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{slots: make(map[int64]*slot)}
}

func (b *MemoryBackend) Open(context.Context) (Session, error) {
	return &memorySession{backend: b}, nil
}

func (b *MemoryBackend) ref(token int64) *slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.slots[token]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		b.slots[token] = s
	}
	s.refs++
	return s
}

func (b *MemoryBackend) unref(token int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slots[token]
	s.refs--
	if s.refs == 0 {
		delete(b.slots, token)
	}
}

// Held returns the number of tokens currently referenced.
func (b *MemoryBackend) Held() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

type memorySession struct {
	backend *MemoryBackend
	mu      sync.Mutex
	tokens  []int64
}

func (s *memorySession) Acquire(ctx context.Context, token int64) error {
	sl := s.backend.ref(token)
	select {
	case sl.sem <- struct{}{}:
		s.mu.Lock()
		s.tokens = append(s.tokens, token)
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		s.backend.unref(token)
		return ctx.Err()
	}
}

func (s *memorySession) Tx() pgx.Tx { return nil }

func (s *memorySession) release() {
	s.mu.Lock()
	tokens := s.tokens
	s.tokens = nil
	s.mu.Unlock()
	for _, token := range tokens {
		s.backend.mu.Lock()
		sl := s.backend.slots[token]
		s.backend.mu.Unlock()
		<-sl.sem
		s.backend.unref(token)
	}
}

func (s *memorySession) Commit(context.Context) error {
	s.release()
	return nil
}

func (s *memorySession) Rollback(context.Context) error {
	s.release()
	return nil
}
