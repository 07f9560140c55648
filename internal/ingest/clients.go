package ingest

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fhirdhis/adapter/internal/platform/remote"
	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/internal/rule"
	"github.com/fhirdhis/adapter/internal/subscription"
)

// FHIRFactory builds the client of a subscription's FHIR server.
type FHIRFactory func(sub *subscription.Subscription) (remote.Remote, error)

// NewFHIRFactory returns a factory creating FHIRClients with opts plus the
// subscription's outbound Authorization header.
func NewFHIRFactory(opts ...remote.Option) FHIRFactory {
	return func(sub *subscription.Subscription) (remote.Remote, error) {
		o := append([]remote.Option(nil), opts...)
		if h := sub.AuthorizationHeader; h != nil && *h != "" {
			o = append(o, remote.WithHeader("Authorization", *h))
		}
		c, err := remote.NewFHIRClient(sub.FHIREndpoint, o...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type fhirEntry struct {
	updated time.Time
	client  remote.Remote
}

// Clients hands out the remote clients for a subscription resource. FHIR
// clients are cached per subscription and rebuilt when it changes.
type Clients struct {
	dhis    remote.Remote
	newFHIR FHIRFactory

	mu   sync.Mutex
	fhir map[uuid.UUID]fhirEntry
}

func NewClients(dhis remote.Remote, newFHIR FHIRFactory) *Clients {
	return &Clients{dhis: dhis, newFHIR: newFHIR, fhir: make(map[uuid.UUID]fhirEntry)}
}

// FHIR returns the client of the subscription's FHIR server.
func (c *Clients) FHIR(sub *subscription.Subscription) (remote.Remote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.fhir[sub.ID]; ok && e.updated.Equal(sub.UpdatedAt) {
		return e.client, nil
	}
	client, err := c.newFHIR(sub)
	if err != nil {
		return nil, syncerr.Fatal(err, "fhir client for subscription "+sub.Name)
	}
	c.fhir[sub.ID] = fhirEntry{updated: sub.UpdatedAt, client: client}
	return client, nil
}

// Pair returns the change source, the write target and the direction for
// resources of resourceType. DHIS2 kinds flow to the subscription's FHIR
// server; FHIR resource types flow to DHIS2.
func (c *Clients) Pair(sub *subscription.Subscription, resourceType string) (source, target remote.Remote, dir rule.Direction, err error) {
	fhir, err := c.FHIR(sub)
	if err != nil {
		return nil, nil, "", err
	}
	if remote.IsDHISKind(resourceType) {
		return c.dhis, fhir, rule.DHISToFHIR, nil
	}
	return fhir, c.dhis, rule.FHIRToDHIS, nil
}
