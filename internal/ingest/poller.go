package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirdhis/adapter/internal/platform/queue"
	"github.com/fhirdhis/adapter/internal/platform/remote"
	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/internal/subscription"
)

// PassResult summarizes one poll pass.
type PassResult struct {
	Pages      int
	Seen       int
	Skipped    int
	Dispatched int
	Watermark  time.Time
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithSearchCount sets the page size requested from the remote server.
func WithSearchCount(n int) PollerOption {
	return func(p *Poller) { p.count = n }
}

// WithProcessedMax bounds the processed set kept per subscription resource.
func WithProcessedMax(n int) PollerOption {
	return func(p *Poller) { p.processedMax = n }
}

func WithPollerLogger(l zerolog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// PassObserver is told about every pass that reached the remote server.
type PassObserver func(resourceType string, result *PassResult, err error)

func WithPassObserver(fn PassObserver) PollerOption {
	return func(p *Poller) { p.observe = fn }
}

// processedSet is the (id, lastUpdated) pairs seen by the previous pass,
// in the order they were seen.
type processedSet struct {
	keys []string
	set  map[string]struct{}
}

// Poller runs poll passes. Passes for one subscription resource are
// serialized.
type Poller struct {
	subs         *subscription.Service
	clients      *Clients
	broker       queue.Broker
	count        int
	processedMax int
	logger       zerolog.Logger
	observe      PassObserver
	now          func() time.Time

	mu        sync.Mutex
	running   map[uuid.UUID]*sync.Mutex
	processed map[uuid.UUID]processedSet
}

func NewPoller(subs *subscription.Service, clients *Clients, broker queue.Broker, opts ...PollerOption) *Poller {
	p := &Poller{
		subs:         subs,
		clients:      clients,
		broker:       broker,
		count:        100,
		processedMax: 10000,
		logger:       zerolog.Nop(),
		now:          time.Now,
		running:      make(map[uuid.UUID]*sync.Mutex),
		processed:    make(map[uuid.UUID]processedSet),
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With().Str("component", "poller").Logger()
	return p
}

func (p *Poller) serialize(id uuid.UUID) func() {
	p.mu.Lock()
	m, ok := p.running[id]
	if !ok {
		m = &sync.Mutex{}
		p.running[id] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func processedKey(c remote.Change) string {
	return c.Ref.Type + "/" + c.Ref.ID + "@" + c.LastUpdated.UTC().Format(time.RFC3339Nano)
}

// Pass queries the changes of one subscription resource since its
// watermark minus the subscription tolerance, dispatches every change not
// handled by the previous pass onto the change queue and advances the
// watermark to the pass start time. A failing page aborts the pass and
// leaves the watermark unchanged.
func (p *Poller) Pass(ctx context.Context, resourceID uuid.UUID) (result *PassResult, err error) {
	defer p.serialize(resourceID)()

	sub, res, err := p.subs.Resource(ctx, resourceID)
	if subscription.IsNotFound(err) {
		p.logger.Info().Str("subscription_resource_id", resourceID.String()).
			Msg("subscription resource removed, skipping poll")
		return &PassResult{}, nil
	}
	if err != nil {
		return nil, syncerr.Technical(err, "load subscription resource")
	}
	if !sub.Enabled {
		return &PassResult{}, nil
	}
	criteria, err := res.Criteria()
	if err != nil {
		return nil, syncerr.Fatal(err, "subscription resource "+resourceID.String())
	}
	source, _, _, err := p.clients.Pair(sub, res.ResourceType)
	if err != nil {
		return nil, err
	}
	log := p.logger.With().
		Str("subscription", sub.Name).
		Str("subscription_resource_id", resourceID.String()).
		Str("resource_type", res.ResourceType).
		Logger()
	if p.observe != nil {
		defer func() { p.observe(res.ResourceType, result, err) }()
	}

	start := p.now().UTC()
	var since time.Time
	if res.RemoteLastUpdated != nil {
		since = res.RemoteLastUpdated.Add(-sub.Tolerance())
	}

	p.mu.Lock()
	previous := p.processed[resourceID]
	p.mu.Unlock()

	result = &PassResult{}
	seen := make(map[string]struct{})
	var keys []string
	q := remote.ChangeQuery{ResourceType: res.ResourceType, Since: since, Criteria: criteria, Count: p.count}
	for {
		page, err := source.FetchChangedSince(ctx, q)
		if err != nil {
			log.Warn().Err(err).Int("page", result.Pages+1).Msg("poll page failed, watermark kept")
			return result, err
		}
		result.Pages++
		fresh := 0
		for _, c := range page.Changes {
			key := processedKey(c)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
			fresh++
			result.Seen++
			if _, done := previous.set[key]; done {
				result.Skipped++
				continue
			}
			err := publishChange(ctx, p.broker, Change{
				SubscriptionResourceID: resourceID,
				ResourceType:           c.Ref.Type,
				ID:                     c.Ref.ID,
				LastUpdated:            c.LastUpdated,
			})
			if err != nil {
				return result, err
			}
			result.Dispatched++
		}
		if page.Next == "" {
			break
		}
		if page.Next == q.Cursor || (fresh == 0 && len(page.Changes) > 0) {
			return result, syncerr.Technicalf("poll of %s does not advance past page %d", res.ResourceType, result.Pages)
		}
		q.Cursor = page.Next
	}

	if over := len(keys) - p.processedMax; over > 0 {
		keys = keys[over:]
	}
	next := processedSet{keys: keys, set: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		next.set[k] = struct{}{}
	}

	if err := p.subs.Advance(ctx, resourceID, start); err != nil {
		return result, syncerr.Technical(err, "advance watermark")
	}
	p.mu.Lock()
	p.processed[resourceID] = next
	p.mu.Unlock()
	result.Watermark = start

	log.Debug().
		Int("pages", result.Pages).
		Int("seen", result.Seen).
		Int("skipped", result.Skipped).
		Int("dispatched", result.Dispatched).
		Time("watermark", start).
		Msg("poll pass complete")
	return result, nil
}
