// Package remote holds the HTTP clients for the two systems being
// synchronized: a FHIR server and a DHIS2 instance. Both implement
// ResourceClient for writes and ChangeSource for polling.
package remote

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/fhirdhis/adapter/pkg/resource"
)

// ErrNotFound is returned when the remote system has no such resource.
var ErrNotFound = errors.New("remote resource not found")

// ChangeQuery selects resources of one type changed since a point in time.
type ChangeQuery struct {
	ResourceType string
	Since        time.Time
	// Cursor continues a previous page. Empty starts a new search.
	Cursor   string
	Criteria url.Values
	Count    int
}

// Change is one changed resource reported by a ChangeSource.
type Change struct {
	Ref         resource.Ref
	LastUpdated time.Time
	Resource    resource.Resource
}

// Page is one page of changes. Next is empty on the last page.
type Page struct {
	Changes []Change
	Next    string
}

// ChangeSource lists resources changed since a watermark.
type ChangeSource interface {
	FetchChangedSince(ctx context.Context, q ChangeQuery) (*Page, error)
}

// ResourceClient reads and writes resources on one remote system.
type ResourceClient interface {
	Get(ctx context.Context, ref resource.Ref) (resource.Resource, error)
	Create(ctx context.Context, resourceType string, r resource.Resource) (resource.Ref, error)
	// Update merges r into the stored resource.
	Update(ctx context.Context, ref resource.Ref, r resource.Resource) error
	// Delete succeeds when the resource is already gone.
	Delete(ctx context.Context, ref resource.Ref) error
	// FindByIdentifier returns at most max resources carrying the business
	// identifier value in system.
	FindByIdentifier(ctx context.Context, resourceType, system, value string, max int) ([]resource.Resource, error)
}

// Remote is a system that is both polled for changes and written to.
type Remote interface {
	ResourceClient
	ChangeSource
}

func changesOf(resources []resource.Resource) []Change {
	out := make([]Change, 0, len(resources))
	for _, r := range resources {
		out = append(out, Change{Ref: r.Ref(), LastUpdated: r.LastUpdated(), Resource: r})
	}
	return out
}
