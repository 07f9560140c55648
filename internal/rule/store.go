package rule

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/internal/script"
)

// ScriptSource resolves script references.
type ScriptSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*script.Script, error)
}

type cacheKey struct {
	sourceType string
	version    string
}

type cacheEntry struct {
	rules    []*Rule
	loadedAt time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTTL bounds how long a loaded rule set is served before it is read
// again. Zero keeps entries until Invalidate.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// Store answers rule lookups through a read-through cache keyed by source
// type and protocol version. Returned rules are shared and must be treated
// as read-only.
type Store struct {
	repo    Repository
	scripts ScriptSource
	logger  zerolog.Logger

	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
	// gen is bumped by Invalidate; a load only fills the cache when the
	// generation it started under is still current.
	gen   uint64
	loads singleflight.Group
}

// NewStore creates a Store.
func NewStore(repo Repository, scripts ScriptSource, logger zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		repo:    repo,
		scripts: scripts,
		logger:  logger.With().Str("component", "rule-store").Logger(),
		now:     time.Now,
		cache:   make(map[cacheKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindApplicable returns the enabled rules for sourceType that support
// version, restricted to targetType when it is not empty, ordered by
// evaluation order descending then id ascending.
func (s *Store) FindApplicable(ctx context.Context, sourceType, targetType, version string) ([]*Rule, error) {
	key := cacheKey{sourceType: sourceType, version: version}

	s.mu.RLock()
	entry, ok := s.cache[key]
	gen := s.gen
	s.mu.RUnlock()
	if ok && s.ttl > 0 && s.now().Sub(entry.loadedAt) >= s.ttl {
		ok = false
	}
	rules := entry.rules
	if !ok {
		flight := sourceType + "|" + version + "|" + strconv.FormatUint(gen, 10)
		v, err, _ := s.loads.Do(flight, func() (interface{}, error) {
			loaded, err := s.load(ctx, sourceType, version)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			if s.gen == gen {
				s.cache[key] = cacheEntry{rules: loaded, loadedAt: s.now()}
			}
			s.mu.Unlock()
			return loaded, nil
		})
		if err != nil {
			return nil, err
		}
		rules = v.([]*Rule)
	}

	out := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if targetType == "" || r.TargetType == targetType {
			out = append(out, r)
		}
	}
	return out, nil
}

// FindByID returns a rule with its scripts resolved, bypassing the cache.
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*Rule, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, syncerr.Mappingf("rule %s not found", id)
		}
		return nil, syncerr.Technical(err, "load rule")
	}
	if err := s.resolve(ctx, r, map[uuid.UUID]*script.Script{}); err != nil {
		return nil, err
	}
	return r, nil
}

// Invalidate drops every cached rule set.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[cacheKey]cacheEntry)
	s.gen++
	s.mu.Unlock()
	s.logger.Debug().Msg("rule cache invalidated")
}

func (s *Store) load(ctx context.Context, sourceType, version string) ([]*Rule, error) {
	all, err := s.repo.ListEnabledBySource(ctx, sourceType)
	if err != nil {
		return nil, syncerr.Technical(err, "list rules for "+sourceType)
	}
	scripts := make(map[uuid.UUID]*script.Script)
	rules := make([]*Rule, 0, len(all))
	for _, r := range all {
		if !r.SupportsVersion(version) {
			continue
		}
		if err := s.resolve(ctx, r, scripts); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	sort.SliceStable(rules, func(i, j int) bool { return Less(rules[i], rules[j]) })
	s.logger.Debug().
		Str("source_type", sourceType).
		Str("version", version).
		Int("rules", len(rules)).
		Msg("rules loaded")
	return rules, nil
}

func (s *Store) resolve(ctx context.Context, r *Rule, seen map[uuid.UUID]*script.Script) error {
	get := func(id uuid.UUID) (*script.Script, error) {
		if sc, ok := seen[id]; ok {
			return sc, nil
		}
		sc, err := s.scripts.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, script.ErrNotFound) {
				return nil, syncerr.Fatalf("rule %s references missing script %s", r.Name, id)
			}
			return nil, syncerr.Technical(err, "load script")
		}
		seen[id] = sc
		return sc, nil
	}

	t, err := get(r.TransformScriptID)
	if err != nil {
		return err
	}
	r.Transform = t
	if r.ApplicabilityScriptID != nil {
		a, err := get(*r.ApplicabilityScriptID)
		if err != nil {
			return err
		}
		r.Applicability = a
	}
	return nil
}
