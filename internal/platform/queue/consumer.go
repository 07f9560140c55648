package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirdhis/adapter/internal/platform/syncerr"
)

// Handler processes one item.
type Handler func(ctx context.Context, item Item) error

// Mux routes items to handlers by type tag.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMux creates an empty router.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers h for items of type typ.
func (m *Mux) Handle(typ string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[typ] = h
}

// Dispatch runs the handler registered for item.Type. An unknown type can
// never succeed and is reported as fatal.
func (m *Mux) Dispatch(ctx context.Context, item Item) error {
	m.mu.RLock()
	h, ok := m.handlers[item.Type]
	m.mu.RUnlock()
	if !ok {
		return syncerr.Fatalf("no handler for item type %q", item.Type)
	}
	return h(ctx, item)
}

// Retry delays by attempt (1-indexed): the first redelivery is immediate and
// later ones back off up to a minute.
var defaultBackoff = []time.Duration{
	0,
	time.Second,
	5 * time.Second,
	15 * time.Second,
	time.Minute,
}

// BackoffDelay returns the delay before redelivering an item that failed on
// attempt.
func BackoffDelay(table []time.Duration, attempt int) time.Duration {
	if len(table) == 0 {
		return 0
	}
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(table) {
		index = len(table) - 1
	}
	return table[index]
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithMaxAttempts bounds deliveries per item before dead-lettering.
func WithMaxAttempts(n int) ConsumerOption {
	return func(c *Consumer) { c.maxAttempts = n }
}

// WithWorkers sets the number of concurrent handlers.
func WithWorkers(n int) ConsumerOption {
	return func(c *Consumer) { c.workers = n }
}

// WithBackoff replaces the redelivery backoff table.
func WithBackoff(table []time.Duration) ConsumerOption {
	return func(c *Consumer) { c.backoff = table }
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(l zerolog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

// Settle outcomes reported to a SettleObserver.
const (
	SettledAck        = "ack"
	SettledRejected   = "rejected"
	SettledRetry      = "retry"
	SettledDeadLetter = "dead_letter"
)

// SettleObserver is told how each delivery of queue was settled.
type SettleObserver func(queue, outcome string)

func WithSettleObserver(fn SettleObserver) ConsumerOption {
	return func(c *Consumer) { c.observe = fn }
}

// Consumer drains one queue and settles every delivery according to the
// error class returned by its handler.
type Consumer struct {
	broker      Broker
	queue       string
	handler     Handler
	maxAttempts int
	workers     int
	backoff     []time.Duration
	logger      zerolog.Logger
	observe     SettleObserver
}

// NewConsumer creates a consumer for queue.
func NewConsumer(broker Broker, queue string, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		broker:      broker,
		queue:       queue,
		handler:     handler,
		maxAttempts: 5,
		workers:     1,
		backoff:     defaultBackoff,
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.workers < 1 {
		c.workers = 1
	}
	return c
}

// Run consumes until ctx is cancelled. A dropped broker subscription is
// re-established after a short pause.
func (c *Consumer) Run(ctx context.Context) error {
	log := c.logger.With().Str("queue", c.queue).Logger()
	pause := time.Second
	for {
		deliveries, err := c.broker.Deliveries(ctx, c.queue)
		if err != nil {
			log.Error().Err(err).Dur("retry_in", pause).Msg("subscribe failed")
		} else {
			pause = time.Second
			c.drain(ctx, deliveries)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pause):
		}
		if pause < 30*time.Second {
			pause *= 2
		}
	}
}

func (c *Consumer) drain(ctx context.Context, deliveries <-chan Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				c.Handle(ctx, d)
			}
		}()
	}
	wg.Wait()
}

// Handle runs the handler for d and settles it:
//
//	nil                     ack
//	data / mapping error    ack, logged as diagnostic
//	technical / retry       redeliver while attempts remain, then dead-letter
//	fatal                   dead-letter
func (c *Consumer) Handle(ctx context.Context, d Delivery) {
	item := d.Item()
	log := c.logger.With().
		Str("queue", c.queue).
		Str("item_id", item.ID).
		Str("item_type", item.Type).
		Str("key", item.Key).
		Int("attempt", d.Attempt()).
		Logger()

	err := c.invoke(ctx, item)
	settleCtx := context.WithoutCancel(ctx)
	kind := syncerr.KindOf(err)

	var (
		settleErr error
		outcome   string
	)
	switch {
	case kind == syncerr.KindNone:
		outcome = SettledAck
		settleErr = d.Ack(settleCtx)
	case kind.IsData():
		log.Warn().Err(err).Str("kind", kind.String()).Msg("item rejected by transformation, not retried")
		outcome = SettledRejected
		settleErr = d.Ack(settleCtx)
	case kind.Retryable():
		if d.Attempt() >= c.maxAttempts {
			log.Error().Err(err).Int("max_attempts", c.maxAttempts).Msg("retry budget exhausted, dead-lettering")
			outcome = SettledDeadLetter
			settleErr = d.DeadLetter(settleCtx, err.Error())
			break
		}
		if kind == syncerr.KindRetry {
			log.Debug().Err(err).Msg("redelivery requested")
		} else {
			log.Warn().Err(err).Msg("technical failure, redelivering")
		}
		if delay := BackoffDelay(c.backoff, d.Attempt()); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
		outcome = SettledRetry
		settleErr = d.Retry(settleCtx)
	default:
		log.Error().Err(err).Msg("fatal failure, dead-lettering")
		outcome = SettledDeadLetter
		settleErr = d.DeadLetter(settleCtx, err.Error())
	}
	if settleErr != nil {
		log.Error().Err(settleErr).Msg("settle delivery")
	}
	if c.observe != nil {
		c.observe(c.queue, outcome)
	}
}

func (c *Consumer) invoke(ctx context.Context, item Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = syncerr.Fatalf("panic handling %s: %v", item.Type, r)
		}
	}()
	if err := c.handler(ctx, item); err != nil {
		return fmt.Errorf("%s %s: %w", item.Type, item.Key, err)
	}
	return nil
}
