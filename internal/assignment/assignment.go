// Package assignment tracks which target resource was written for a source
// resource under a given rule, in both directions.
package assignment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fhirdhis/adapter/internal/platform/lock"
	"github.com/fhirdhis/adapter/internal/platform/syncerr"
	"github.com/fhirdhis/adapter/internal/rule"
	"github.com/fhirdhis/adapter/pkg/resource"
)

// Assignment links a source resource to its target counterpart for one rule.
type Assignment struct {
	ID        uuid.UUID    `json:"id"`
	RuleID    uuid.UUID    `json:"rule_id"`
	Source    resource.Ref `json:"source"`
	Target    resource.Ref `json:"target"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Store persists assignments. Lookups return nil when nothing is assigned.
type Store interface {
	Find(ctx context.Context, ruleID uuid.UUID, source resource.Ref) (*Assignment, error)
	FindReverse(ctx context.Context, target resource.Ref) (*Assignment, error)
	// Upsert inserts a, or updates the target of the existing assignment for
	// the same rule and source.
	Upsert(ctx context.Context, a *Assignment) error
	Delete(ctx context.Context, ruleID uuid.UUID, source resource.Ref) error
}

// Tracker answers CREATE-vs-UPDATE questions for the orchestrator. Mutations
// are only accepted inside a unit of work, whose lock on the entity key keeps
// concurrent readers from seeing a half-written assignment.
type Tracker struct {
	store Store
}

// NewTracker creates a Tracker over store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Find returns the target assigned to sourceID under r.
func (t *Tracker) Find(ctx context.Context, r *rule.Rule, sourceID string) (resource.Ref, bool, error) {
	a, err := t.store.Find(ctx, r.ID, resource.Ref{Type: r.SourceType, ID: sourceID})
	if err != nil {
		return resource.Ref{}, false, syncerr.Technical(err, "find assignment")
	}
	if a == nil {
		return resource.Ref{}, false, nil
	}
	return a.Target, true, nil
}

// FindReverse returns the source that target was written for.
func (t *Tracker) FindReverse(ctx context.Context, targetType, targetID string) (resource.Ref, bool, error) {
	a, err := t.store.FindReverse(ctx, resource.Ref{Type: targetType, ID: targetID})
	if err != nil {
		return resource.Ref{}, false, syncerr.Technical(err, "find reverse assignment")
	}
	if a == nil {
		return resource.Ref{}, false, nil
	}
	return a.Source, true, nil
}

// Assign records that sourceID maps to target under r.
func (t *Tracker) Assign(ctx context.Context, r *rule.Rule, sourceID string, target resource.Ref) error {
	if err := requireUnitOfWork(ctx, "assign"); err != nil {
		return err
	}
	a := &Assignment{
		RuleID: r.ID,
		Source: resource.Ref{Type: r.SourceType, ID: sourceID},
		Target: target,
	}
	if err := t.store.Upsert(ctx, a); err != nil {
		return syncerr.Technical(err, "assign "+a.Source.String()+" to "+target.String())
	}
	return nil
}

// Unassign removes the assignment of sourceID under r.
func (t *Tracker) Unassign(ctx context.Context, r *rule.Rule, sourceID string) error {
	if err := requireUnitOfWork(ctx, "unassign"); err != nil {
		return err
	}
	source := resource.Ref{Type: r.SourceType, ID: sourceID}
	if err := t.store.Delete(ctx, r.ID, source); err != nil {
		return syncerr.Technical(err, "unassign "+source.String())
	}
	return nil
}

func requireUnitOfWork(ctx context.Context, op string) error {
	uow := lock.FromContext(ctx)
	if uow == nil || uow.State() == lock.Released {
		return syncerr.Fatalf("%s called outside an active unit of work", op)
	}
	return nil
}
