// Package ingest detects remote changes, by webhook notification or by
// polling, and feeds them through the queues into the transform
// orchestrator.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fhirdhis/adapter/internal/platform/queue"
	"github.com/fhirdhis/adapter/internal/platform/syncerr"
)

// Queue names.
const (
	// QueueTrigger holds at most one pending poll request per subscription
	// resource.
	QueueTrigger = "subscription-resource-trigger"
	// QueueChange holds the changed resources found by poll passes.
	QueueChange = "subscription-resource-change"
)

// Item type tags.
const (
	TypeTrigger = "poll-trigger"
	TypeChange  = "resource-change"
)

// Trigger asks for a poll pass over one subscription resource.
type Trigger struct {
	SubscriptionResourceID uuid.UUID `json:"subscriptionResourceId"`
}

// Change is one changed remote resource.
type Change struct {
	SubscriptionResourceID uuid.UUID `json:"subscriptionResourceId"`
	ResourceType           string    `json:"resourceType"`
	ID                     string    `json:"id"`
	LastUpdated            time.Time `json:"lastUpdated"`
}

// Queues declares the queues used by this package.
func Queues() []queue.QueueSpec {
	return []queue.QueueSpec{
		{Name: QueueTrigger, LastValue: true},
		{Name: QueueChange},
	}
}

// Declare declares every queue of this package on broker.
func Declare(ctx context.Context, broker queue.Broker) error {
	for _, spec := range Queues() {
		if err := broker.Declare(ctx, spec); err != nil {
			return syncerr.Technical(err, "declare queue "+spec.Name)
		}
	}
	return nil
}

func publishTrigger(ctx context.Context, broker queue.Broker, resourceID uuid.UUID) error {
	item, err := queue.NewItem(TypeTrigger, resourceID.String(), Trigger{SubscriptionResourceID: resourceID})
	if err != nil {
		return syncerr.Fatal(err, "build trigger")
	}
	if err := broker.Publish(ctx, QueueTrigger, item); err != nil {
		return syncerr.Technical(err, "publish trigger")
	}
	return nil
}

func publishChange(ctx context.Context, broker queue.Broker, ch Change) error {
	key := ch.SubscriptionResourceID.String() + "/" + ch.ResourceType + "/" + ch.ID
	item, err := queue.NewItem(TypeChange, key, ch)
	if err != nil {
		return syncerr.Fatal(err, "build change")
	}
	if err := broker.Publish(ctx, QueueChange, item); err != nil {
		return syncerr.Technical(err, "publish change")
	}
	return nil
}
