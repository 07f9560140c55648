package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service provides business logic for subscription management.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	return s.repo.Create(ctx, sub)
}

func (s *Service) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	return s.repo.Update(ctx, sub)
}

func (s *Service) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) ListSubscriptions(ctx context.Context, limit, offset int) ([]*Subscription, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// AddResource registers a resource type for a subscription. Only one entry
// per resource type is allowed.
func (s *Service) AddResource(ctx context.Context, r *Resource) error {
	if err := r.Validate(); err != nil {
		return err
	}
	existing, err := s.repo.ListResources(ctx, r.SubscriptionID)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.ResourceType == r.ResourceType {
			return fmt.Errorf("subscription already has resource type %s", r.ResourceType)
		}
	}
	return s.repo.CreateResource(ctx, r)
}

func (s *Service) ListResources(ctx context.Context, subscriptionID uuid.UUID) ([]*Resource, error) {
	return s.repo.ListResources(ctx, subscriptionID)
}

func (s *Service) RemoveResource(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeleteResource(ctx, id)
}

// Target returns a subscription resource together with its subscription.
// A resource that belongs to another subscription is reported as
// ErrNotFound.
func (s *Service) Target(ctx context.Context, subscriptionID, resourceID uuid.UUID) (*Subscription, *Resource, error) {
	r, err := s.repo.GetResource(ctx, resourceID)
	if err != nil {
		return nil, nil, err
	}
	if r.SubscriptionID != subscriptionID {
		return nil, nil, ErrNotFound
	}
	sub, err := s.repo.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, nil, err
	}
	return sub, r, nil
}

// Resource returns a subscription resource by id with its subscription.
func (s *Service) Resource(ctx context.Context, resourceID uuid.UUID) (*Subscription, *Resource, error) {
	r, err := s.repo.GetResource(ctx, resourceID)
	if err != nil {
		return nil, nil, err
	}
	sub, err := s.repo.GetByID(ctx, r.SubscriptionID)
	if err != nil {
		return nil, nil, err
	}
	return sub, r, nil
}

// Pollable returns the resources of every enabled subscription.
func (s *Service) Pollable(ctx context.Context) ([]*Resource, error) {
	return s.repo.ListPollable(ctx)
}

// Advance moves the poll watermark of a resource.
func (s *Service) Advance(ctx context.Context, resourceID uuid.UUID, t time.Time) error {
	return s.repo.SetLastUpdated(ctx, resourceID, t)
}

// IsNotFound reports whether err means a missing subscription or resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
