package queue

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process broker with the same delivery semantics as the
// AMQP broker: explicit acks, last-value replacement and dead-lettering.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
}

type memEntry struct {
	item Item
}

type memQueue struct {
	spec    QueueSpec
	pending []*memEntry
	byKey   map[string]*memEntry
	dead    []DeadItem
	notify  chan struct{}
	acked   int
}

// DeadItem is a dead-lettered item with the reason it was given up.
type DeadItem struct {
	Item   Item
	Reason string
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{queues: make(map[string]*memQueue)}
}

func (m *Memory) Declare(_ context.Context, spec QueueSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[spec.Name]; ok {
		if q.spec.LastValue != spec.LastValue {
			return fmt.Errorf("queue %s already declared with different settings", spec.Name)
		}
		return nil
	}
	m.queues[spec.Name] = &memQueue{
		spec:   spec,
		byKey:  make(map[string]*memEntry),
		notify: make(chan struct{}, 1),
	}
	return nil
}

func (m *Memory) queue(name string) (*memQueue, error) {
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("queue %s not declared", name)
	}
	return q, nil
}

func (m *Memory) Publish(_ context.Context, queue string, item Item) error {
	return m.enqueue(queue, item, true)
}

// enqueue adds item. For last-value queues a pending item with the same key is
// replaced when replace is set and kept otherwise.
func (m *Memory) enqueue(queue string, item Item, replace bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, err := m.queue(queue)
	if err != nil {
		return err
	}
	if q.spec.LastValue && item.Key != "" {
		if existing, ok := q.byKey[item.Key]; ok {
			if replace {
				existing.item = item
			}
			return nil
		}
	}
	e := &memEntry{item: item}
	q.pending = append(q.pending, e)
	if q.spec.LastValue && item.Key != "" {
		q.byKey[item.Key] = e
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) pop(queue string) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	if len(q.pending) == 0 {
		return Item{}, false
	}
	e := q.pending[0]
	q.pending = q.pending[1:]
	if q.spec.LastValue && e.item.Key != "" {
		delete(q.byKey, e.item.Key)
	}
	if len(q.pending) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return e.item, true
}

func (m *Memory) Deliveries(ctx context.Context, queue string) (<-chan Delivery, error) {
	m.mu.Lock()
	q, err := m.queue(queue)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			item, ok := m.pop(queue)
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-q.notify:
					continue
				}
			}
			if item.Attempt < 1 {
				item.Attempt = 1
			}
			d := &memDelivery{broker: m, queue: queue, item: item}
			select {
			case out <- d:
			case <-ctx.Done():
				// Not handed out: put it back for the next consumer.
				m.enqueue(queue, item, false)
				return
			}
		}
	}()
	return out, nil
}

// Len returns the number of pending items.
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[queue]; ok {
		return len(q.pending)
	}
	return 0
}

// Acked returns how many items of queue were acknowledged.
func (m *Memory) Acked(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[queue]; ok {
		return q.acked
	}
	return 0
}

// Dead returns the dead-lettered items of queue.
func (m *Memory) Dead(queue string) []DeadItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return nil
	}
	return append([]DeadItem(nil), q.dead...)
}

type memDelivery struct {
	broker *Memory
	queue  string
	item   Item

	once sync.Once
}

func (d *memDelivery) Item() Item   { return d.item }
func (d *memDelivery) Attempt() int { return d.item.Attempt }

func (d *memDelivery) settle(fn func() error) error {
	err := fmt.Errorf("delivery %s already settled", d.item.ID)
	d.once.Do(func() { err = fn() })
	return err
}

func (d *memDelivery) Ack(context.Context) error {
	return d.settle(func() error {
		d.broker.mu.Lock()
		d.broker.queues[d.queue].acked++
		d.broker.mu.Unlock()
		return nil
	})
}

func (d *memDelivery) Retry(context.Context) error {
	return d.settle(func() error {
		next := d.item
		next.Attempt++
		return d.broker.enqueue(d.queue, next, false)
	})
}

func (d *memDelivery) DeadLetter(_ context.Context, reason string) error {
	return d.settle(func() error {
		d.broker.mu.Lock()
		defer d.broker.mu.Unlock()
		q := d.broker.queues[d.queue]
		q.dead = append(q.dead, DeadItem{Item: d.item, Reason: reason})
		return nil
	})
}
