package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirdhis/adapter/internal/platform/queue"
	"github.com/fhirdhis/adapter/internal/subscription"
)

type pollLoop struct {
	period time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs one loop per pollable subscription resource. Each loop
// publishes a poll trigger every poll interval of its subscription. The set
// of loops is reconciled with the database every refresh interval.
type Scheduler struct {
	subs    *subscription.Service
	broker  queue.Broker
	refresh time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	loops map[uuid.UUID]*pollLoop
}

func NewScheduler(subs *subscription.Service, broker queue.Broker, refresh time.Duration, logger zerolog.Logger) *Scheduler {
	if refresh <= 0 {
		refresh = time.Minute
	}
	return &Scheduler{
		subs:    subs,
		broker:  broker,
		refresh: refresh,
		logger:  logger.With().Str("component", "poll-scheduler").Logger(),
		loops:   make(map[uuid.UUID]*pollLoop),
	}
}

// Run reconciles until ctx is done, then stops every loop.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.stopAll()
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()
	for {
		if err := s.Reconcile(ctx); err != nil {
			s.logger.Error().Err(err).Msg("reconcile poll loops")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Reconcile starts loops for new resources, restarts loops whose interval
// changed and stops loops of removed or disabled resources.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	resources, err := s.subs.Pollable(ctx)
	if err != nil {
		return err
	}
	periods := make(map[uuid.UUID]time.Duration, len(resources))
	subs := make(map[uuid.UUID]*subscription.Subscription)
	for _, r := range resources {
		sub, ok := subs[r.SubscriptionID]
		if !ok {
			if sub, err = s.subs.GetSubscription(ctx, r.SubscriptionID); err != nil {
				if subscription.IsNotFound(err) {
					continue
				}
				return err
			}
			subs[r.SubscriptionID] = sub
		}
		periods[r.ID] = sub.PollInterval()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.loops {
		if p, ok := periods[id]; !ok || p != l.period {
			l.stop()
			delete(s.loops, id)
		}
	}
	for id, p := range periods {
		if _, ok := s.loops[id]; !ok {
			s.loops[id] = s.start(ctx, id, p)
		}
	}
	return nil
}

// Running returns the number of active loops.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

func (s *Scheduler) start(ctx context.Context, id uuid.UUID, period time.Duration) *pollLoop {
	ctx, cancel := context.WithCancel(ctx)
	l := &pollLoop{period: period, cancel: cancel, done: make(chan struct{})}
	log := s.logger.With().Str("subscription_resource_id", id.String()).Logger()
	log.Debug().Dur("period", period).Msg("poll loop started")
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			if err := publishTrigger(ctx, s.broker, id); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("publish poll trigger")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return l
}

func (l *pollLoop) stop() {
	l.cancel()
	<-l.done
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.loops {
		l.stop()
		delete(s.loops, id)
	}
}
