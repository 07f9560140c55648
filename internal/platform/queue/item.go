// Package queue carries work between the ingestion pipeline and the transform
// orchestrator: last-value trigger queues, durable FIFO resource queues and
// their dead-letter queues.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Item is the wire envelope. Type selects the payload schema on the consumer
// side and Key is the dedup key for last-value queues.
type Item struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempt    int             `json:"attempt,omitempty"`
}

// NewItem marshals payload into a new envelope.
func NewItem(typ, key string, payload interface{}) (Item, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Item{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Item{
		ID:         uuid.NewString(),
		Type:       typ,
		Key:        key,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into out.
func (i Item) Decode(out interface{}) error {
	if err := json.Unmarshal(i.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", i.Type, err)
	}
	return nil
}

// QueueSpec declares a queue.
type QueueSpec struct {
	Name string
	// LastValue keeps only the most recent unconsumed item per key.
	LastValue bool
}

// DeadLetterName is the dead-letter queue paired with queue.
func DeadLetterName(queue string) string { return queue + ".dlq" }

// Delivery is one received item awaiting an explicit outcome.
type Delivery interface {
	Item() Item
	// Attempt is 1 on first delivery.
	Attempt() int
	Ack(ctx context.Context) error
	// Retry schedules redelivery with the attempt count incremented.
	Retry(ctx context.Context) error
	// DeadLetter moves the item to the dead-letter queue.
	DeadLetter(ctx context.Context, reason string) error
}

// Broker is implemented by the in-memory and AMQP brokers.
type Broker interface {
	Declare(ctx context.Context, spec QueueSpec) error
	Publish(ctx context.Context, queue string, item Item) error
	// Deliveries streams items until ctx is done or the broker connection drops,
	// in which case the channel is closed.
	Deliveries(ctx context.Context, queue string) (<-chan Delivery, error)
}
