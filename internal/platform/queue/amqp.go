package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Connection manages a RabbitMQ connection and its publishing channel with
// automatic recovery.
type Connection struct {
	url    string
	name   string
	logger zerolog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	publish *amqp.Channel

	stopChan     chan struct{}
	reconnecting bool
	reconnectMu  sync.Mutex
}

// NewConnection creates a Connection for url. name is reported to the broker.
func NewConnection(url, name string, logger zerolog.Logger) *Connection {
	return &Connection{
		url:      url,
		name:     name,
		logger:   logger.With().Str("component", "amqp").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Connect dials with exponential backoff and starts the reconnect monitor.
func (c *Connection) Connect(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	const maxInitialAttempts = 10

	for attempt := 1; ; attempt++ {
		err := c.connect()
		if err == nil {
			c.logger.Info().Int("attempt", attempt).Msg("connected to RabbitMQ")
			break
		}
		if attempt >= maxInitialAttempts {
			return fmt.Errorf("connect to RabbitMQ after %d attempts: %w", attempt, err)
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("RabbitMQ connection failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	go c.monitor()
	return nil
}

func (c *Connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}

	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": c.name},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	c.conn = conn
	c.publish = ch
	return nil
}

func (c *Connection) monitor() {
	for {
		c.mu.RLock()
		if c.conn == nil || c.publish == nil {
			c.mu.RUnlock()
			return
		}
		connClose := c.conn.NotifyClose(make(chan *amqp.Error, 1))
		chanClose := c.publish.NotifyClose(make(chan *amqp.Error, 1))
		c.mu.RUnlock()

		select {
		case <-c.stopChan:
			return
		case err := <-connClose:
			if err != nil {
				c.logger.Error().Err(err).Msg("RabbitMQ connection closed, reconnecting")
			}
		case err := <-chanClose:
			if err != nil {
				c.logger.Error().Err(err).Msg("RabbitMQ channel closed, reconnecting")
			}
		}
		if !c.reconnect() {
			return
		}
	}
}

func (c *Connection) reconnect() bool {
	c.reconnectMu.Lock()
	if c.reconnecting {
		c.reconnectMu.Unlock()
		return true
	}
	c.reconnecting = true
	c.reconnectMu.Unlock()
	defer func() {
		c.reconnectMu.Lock()
		c.reconnecting = false
		c.reconnectMu.Unlock()
	}()

	backoff := time.Second
	for attempt := 1; ; attempt++ {
		select {
		case <-c.stopChan:
			return false
		default:
		}
		if err := c.connect(); err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		c.logger.Info().Int("attempt", attempt).Msg("reconnected to RabbitMQ")
		return true
	}
}

// Channel opens a dedicated channel, used for consumers and declarations.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("RabbitMQ connection is not available")
	}
	return conn.Channel()
}

// Publish sends msg, retrying briefly while the connection recovers.
func (c *Connection) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	const maxRetries = 3
	retryDelay := 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		c.mu.RLock()
		ch := c.publish
		c.mu.RUnlock()

		if ch == nil || ch.IsClosed() {
			lastErr = fmt.Errorf("publish channel not available")
		} else if lastErr = ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
	}
	return fmt.Errorf("publish to %s after %d attempts: %w", routingKey, maxRetries, lastErr)
}

// Ping reports whether the connection and publish channel are open.
func (c *Connection) Ping(context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.conn.IsClosed() || c.publish == nil || c.publish.IsClosed() {
		return fmt.Errorf("RabbitMQ connection closed")
	}
	return nil
}

// Close stops reconnection and closes the connection.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}
	if c.publish != nil {
		c.publish.Close()
		c.publish = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

const deathReasonHeader = "x-death-reason"

// AMQPBroker maps queues onto durable RabbitMQ queues. Last-value queues keep
// their payloads in a LastValueStore and only a key reference travels through
// RabbitMQ, published when the key becomes pending.
type AMQPBroker struct {
	conn     *Connection
	values   LastValueStore
	prefetch int
	logger   zerolog.Logger

	mu    sync.RWMutex
	specs map[string]QueueSpec
}

// NewAMQPBroker creates a broker. values may be nil when no last-value queue
// is declared.
func NewAMQPBroker(conn *Connection, values LastValueStore, prefetch int, logger zerolog.Logger) *AMQPBroker {
	return &AMQPBroker{
		conn:     conn,
		values:   values,
		prefetch: prefetch,
		logger:   logger,
		specs:    make(map[string]QueueSpec),
	}
}

func (b *AMQPBroker) Declare(_ context.Context, spec QueueSpec) error {
	if spec.LastValue && b.values == nil {
		return fmt.Errorf("queue %s: last-value queue requires a value store", spec.Name)
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	dlq := DeadLetterName(spec.Name)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dlq, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := ch.QueueDeclare(spec.Name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare %s: %w", spec.Name, err)
	}

	b.mu.Lock()
	b.specs[spec.Name] = spec
	b.mu.Unlock()
	return nil
}

func (b *AMQPBroker) spec(queue string) (QueueSpec, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	spec, ok := b.specs[queue]
	if !ok {
		return QueueSpec{}, fmt.Errorf("queue %s not declared", queue)
	}
	return spec, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, queue string, item Item) error {
	return b.publish(ctx, queue, item, true)
}

func (b *AMQPBroker) publish(ctx context.Context, queue string, item Item, replace bool) error {
	spec, err := b.spec(queue)
	if err != nil {
		return err
	}
	if !spec.LastValue {
		return b.send(ctx, queue, item, nil)
	}

	newly, err := b.values.Put(ctx, queue, item, replace)
	if err != nil {
		return fmt.Errorf("store last value %s/%s: %w", queue, item.Key, err)
	}
	if !newly {
		return nil
	}
	ref := Item{ID: item.ID, Type: item.Type, Key: item.Key, EnqueuedAt: item.EnqueuedAt}
	if err := b.send(ctx, queue, ref, nil); err != nil {
		// Without a message the key would stay pending forever.
		if _, dropErr := b.values.Settle(context.WithoutCancel(ctx), queue, item); dropErr != nil {
			b.logger.Error().Err(dropErr).Str("queue", queue).Str("key", item.Key).Msg("drop unpublished last value")
		}
		return err
	}
	return nil
}

func (b *AMQPBroker) send(ctx context.Context, queue string, item Item, headers amqp.Table) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	return b.conn.Publish(ctx, "", queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    item.ID,
		Type:         item.Type,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
}

func (b *AMQPBroker) Deliveries(ctx context.Context, queue string) (<-chan Delivery, error) {
	spec, err := b.spec(queue)
	if err != nil {
		return nil, err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set QoS: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("register consumer on %s: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				d, ok := b.toDelivery(ctx, spec, msg)
				if !ok {
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					// Unacked messages are redelivered once the channel closes.
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *AMQPBroker) toDelivery(ctx context.Context, spec QueueSpec, msg amqp.Delivery) (Delivery, bool) {
	log := b.logger.With().Str("queue", spec.Name).Uint64("delivery_tag", msg.DeliveryTag).Logger()

	var item Item
	if err := json.Unmarshal(msg.Body, &item); err != nil {
		log.Error().Err(err).Msg("undecodable message, dead-lettering")
		_ = msg.Nack(false, false)
		return nil, false
	}
	if spec.LastValue {
		latest, found, err := b.values.Peek(ctx, spec.Name, item.Key)
		if err != nil {
			log.Error().Err(err).Str("key", item.Key).Msg("load last value, requeueing")
			_ = msg.Nack(false, true)
			return nil, false
		}
		if !found {
			_ = msg.Ack(false)
			return nil, false
		}
		item = latest
	}
	if item.Attempt < 1 {
		item.Attempt = 1
	}
	if msg.Redelivered {
		item.Attempt++
	}
	return &amqpDelivery{broker: b, spec: spec, msg: msg, item: item}, true
}

type amqpDelivery struct {
	broker *AMQPBroker
	spec   QueueSpec
	msg    amqp.Delivery
	item   Item
}

func (d *amqpDelivery) Item() Item   { return d.item }
func (d *amqpDelivery) Attempt() int { return d.item.Attempt }

// settle releases the pending last value held by this delivery. When a newer
// value arrived while it was in flight no reference message was published
// for it, so one is sent now.
func (d *amqpDelivery) settle(ctx context.Context) error {
	if !d.spec.LastValue {
		return nil
	}
	newer, err := d.broker.values.Settle(ctx, d.spec.Name, d.item)
	if err != nil || !newer {
		return err
	}
	ref := Item{ID: d.item.ID, Type: d.item.Type, Key: d.item.Key, EnqueuedAt: time.Now().UTC()}
	return d.broker.send(ctx, d.spec.Name, ref, nil)
}

func (d *amqpDelivery) Ack(ctx context.Context) error {
	if err := d.settle(ctx); err != nil {
		_ = d.msg.Nack(false, true)
		return err
	}
	return d.msg.Ack(false)
}

// Retry publishes the item again with its attempt incremented, then acks the
// original. A newer pending value for the same key takes precedence.
func (d *amqpDelivery) Retry(ctx context.Context) error {
	next := d.item
	next.Attempt++
	var err error
	if d.spec.LastValue {
		var newer bool
		newer, err = d.broker.values.Settle(ctx, d.spec.Name, d.item)
		if err == nil {
			if newer {
				ref := Item{ID: d.item.ID, Type: d.item.Type, Key: d.item.Key, EnqueuedAt: time.Now().UTC()}
				err = d.broker.send(ctx, d.spec.Name, ref, nil)
			} else {
				err = d.broker.publish(ctx, d.spec.Name, next, false)
			}
		}
	} else {
		err = d.broker.send(ctx, d.spec.Name, next, nil)
	}
	if err != nil {
		_ = d.msg.Nack(false, true)
		return err
	}
	return d.msg.Ack(false)
}

func (d *amqpDelivery) DeadLetter(ctx context.Context, reason string) error {
	headers := amqp.Table{deathReasonHeader: reason}
	if err := d.broker.send(ctx, DeadLetterName(d.spec.Name), d.item, headers); err != nil {
		// Fall back to the broker's dead-letter routing.
		return d.msg.Nack(false, false)
	}
	if err := d.settle(ctx); err != nil {
		d.broker.logger.Error().Err(err).Str("queue", d.spec.Name).Str("key", d.item.Key).Msg("settle dead-lettered last value")
	}
	return d.msg.Ack(false)
}
