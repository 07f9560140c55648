// Package lock serializes writers per logical entity. A unit of work holds a
// set of advisory locks on hashed entity keys until its session ends.
package lock

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/fhirdhis/adapter/internal/platform/syncerr"
)

// State of a unit of work.
type State int

const (
	Unlocked State = iota
	Locked
	Released
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "UNLOCKED"
	case Locked:
		return "LOCKED"
	case Released:
		return "RELEASED"
	}
	return "UNKNOWN"
}

// Session is one backend transaction. Every lock acquired through a session
// is released when it commits or rolls back.
type Session interface {
	Acquire(ctx context.Context, token int64) error
	// Tx returns the transaction carrying the locks, nil for non-SQL backends.
	Tx() pgx.Tx
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend opens sessions.
type Backend interface {
	Open(ctx context.Context) (Session, error)
}

// Token hashes a lock key into the numeric advisory lock space using the
// first 8 bytes of its MD5 digest with the sign bit cleared.
func Token(key string) int64 {
	sum := md5.Sum([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]) & math.MaxInt64)
}

type ctxKey struct{}

// FromContext returns the unit of work bound to ctx, or nil.
func FromContext(ctx context.Context) *UnitOfWork {
	uow, _ := ctx.Value(ctxKey{}).(*UnitOfWork)
	return uow
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds how long Lock waits for a single key.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager hands out units of work.
type Manager struct {
	backend Backend
	timeout time.Duration
	logger  zerolog.Logger
}

// NewManager creates a Manager over backend.
func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{backend: backend, timeout: 30 * time.Second, logger: zerolog.Nop()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Begin starts a unit of work and binds it to the returned context. Beginning
// while ctx already carries an unreleased unit of work is a fatal error.
func (m *Manager) Begin(ctx context.Context) (context.Context, *UnitOfWork, error) {
	if existing := FromContext(ctx); existing != nil && existing.State() != Released {
		return ctx, nil, syncerr.Fatalf("unit of work already active in this context")
	}
	uow := &UnitOfWork{
		manager: m,
		held:    make(map[int64]string),
	}
	return context.WithValue(ctx, ctxKey{}, uow), uow, nil
}

// Run executes fn inside a new unit of work. The unit commits when fn returns
// nil and rolls back otherwise or on panic.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, uow *UnitOfWork) error) (err error) {
	ctx, uow, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = uow.Rollback(context.WithoutCancel(ctx))
			panic(r)
		}
	}()

	if err := fn(ctx, uow); err != nil {
		if rbErr := uow.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			m.logger.Warn().Err(rbErr).Msg("rollback after failed unit of work")
		}
		return err
	}
	return uow.Commit(ctx)
}

// UnitOfWork owns a backend session and the set of keys it holds.
type UnitOfWork struct {
	manager *Manager

	// op serializes session operations and is held across a blocking
	// acquire; mu only guards the fields below so State, Holds and Keys
	// never wait on a pending lock.
	op      sync.Mutex
	mu      sync.Mutex
	session Session
	held    map[int64]string
	state   State
}

// State returns the current state.
func (u *UnitOfWork) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Holds reports whether key is currently locked by this unit.
func (u *UnitOfWork) Holds(key string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.held[Token(key)]
	return ok
}

// Keys returns the held keys.
func (u *UnitOfWork) Keys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	keys := make([]string, 0, len(u.held))
	for _, k := range u.held {
		keys = append(keys, k)
	}
	return keys
}

func (u *UnitOfWork) ensureSession(ctx context.Context) (Session, error) {
	if u.state == Released {
		return nil, syncerr.Fatalf("unit of work already released")
	}
	if u.session != nil {
		return u.session, nil
	}
	s, err := u.manager.backend.Open(ctx)
	if err != nil {
		return nil, syncerr.Technical(err, "open lock session")
	}
	u.session = s
	return s, nil
}

// Tx returns the transaction of the current session, opening one if needed.
// It is nil for backends without a SQL session.
func (u *UnitOfWork) Tx(ctx context.Context) (pgx.Tx, error) {
	u.op.Lock()
	defer u.op.Unlock()
	u.mu.Lock()
	defer u.mu.Unlock()
	s, err := u.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	return s.Tx(), nil
}

// Lock acquires key for this unit of work. Locking a key that is already held
// (or that hashes to a held token) is a no-op.
func (u *UnitOfWork) Lock(ctx context.Context, key string) error {
	u.op.Lock()
	defer u.op.Unlock()

	token := Token(key)
	u.mu.Lock()
	if _, ok := u.held[token]; ok {
		u.mu.Unlock()
		return nil
	}
	s, err := u.ensureSession(ctx)
	u.mu.Unlock()
	if err != nil {
		return err
	}

	acquireCtx := ctx
	if u.manager.timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, u.manager.timeout)
		defer cancel()
	}

	start := time.Now()
	err = s.Acquire(acquireCtx, token)

	u.mu.Lock()
	defer u.mu.Unlock()
	if err != nil {
		// A failed acquire leaves the backend session unusable.
		_ = s.Rollback(context.WithoutCancel(ctx))
		u.session = nil
		u.held = make(map[int64]string)
		u.state = Unlocked
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return syncerr.Technical(err, "acquire lock "+key)
	}
	u.held[token] = key
	u.state = Locked
	u.manager.logger.Debug().
		Str("key", key).
		Int64("token", token).
		Dur("waited", time.Since(start)).
		Msg("lock acquired")
	return nil
}

// UnlockAll ends the current session, releasing every held key. The unit of
// work stays usable and opens a new session on the next Lock.
func (u *UnitOfWork) UnlockAll(ctx context.Context) error {
	u.op.Lock()
	defer u.op.Unlock()
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == Released {
		return nil
	}
	err := u.end(ctx, true)
	u.state = Unlocked
	return err
}

// Commit ends the unit of work, persisting the session's writes.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	return u.finish(ctx, true)
}

// Rollback ends the unit of work, discarding the session's writes.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	return u.finish(ctx, false)
}

func (u *UnitOfWork) finish(ctx context.Context, commit bool) error {
	u.op.Lock()
	defer u.op.Unlock()
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == Released {
		return nil
	}
	err := u.end(ctx, commit)
	u.state = Released
	return err
}

func (u *UnitOfWork) end(ctx context.Context, commit bool) error {
	s := u.session
	u.session = nil
	u.held = make(map[int64]string)
	if s == nil {
		return nil
	}
	if commit {
		if err := s.Commit(ctx); err != nil {
			return syncerr.Technical(err, "commit unit of work")
		}
		return nil
	}
	if err := s.Rollback(ctx); err != nil {
		return syncerr.Technical(err, "rollback unit of work")
	}
	return nil
}
