package rule

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fhirdhis/adapter/internal/script"
)

// Service manages rules and their scripts and keeps the Store coherent.
type Service struct {
	rules   Repository
	scripts script.Repository
	store   *Store
}

// NewService creates a rule service.
func NewService(rules Repository, scripts script.Repository, store *Store) *Service {
	return &Service{rules: rules, scripts: scripts, store: store}
}

func (s *Service) CreateRule(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := s.checkScripts(ctx, r); err != nil {
		return err
	}
	if err := s.rules.Create(ctx, r); err != nil {
		return err
	}
	s.store.Invalidate()
	return nil
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return s.rules.GetByID(ctx, id)
}

func (s *Service) UpdateRule(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := s.checkScripts(ctx, r); err != nil {
		return err
	}
	if err := s.rules.Update(ctx, r); err != nil {
		return err
	}
	s.store.Invalidate()
	return nil
}

func (s *Service) DeleteRule(ctx context.Context, id uuid.UUID) error {
	if err := s.rules.Delete(ctx, id); err != nil {
		return err
	}
	s.store.Invalidate()
	return nil
}

func (s *Service) ListRules(ctx context.Context, limit, offset int) ([]*Rule, int, error) {
	return s.rules.List(ctx, limit, offset)
}

func (s *Service) checkScripts(ctx context.Context, r *Rule) error {
	t, err := s.scripts.GetByID(ctx, r.TransformScriptID)
	if err != nil {
		return fmt.Errorf("transform script: %w", err)
	}
	if t.Kind != script.KindTransform {
		return fmt.Errorf("script %s is not a transform script", t.Name)
	}
	if r.ApplicabilityScriptID != nil {
		a, err := s.scripts.GetByID(ctx, *r.ApplicabilityScriptID)
		if err != nil {
			return fmt.Errorf("applicability script: %w", err)
		}
		if a.Kind != script.KindApplicability {
			return fmt.Errorf("script %s is not an applicability script", a.Name)
		}
	}
	return nil
}

func (s *Service) CreateScript(ctx context.Context, sc *script.Script) error {
	if err := sc.Normalize(); err != nil {
		return err
	}
	return s.scripts.Create(ctx, sc)
}

func (s *Service) GetScript(ctx context.Context, id uuid.UUID) (*script.Script, error) {
	return s.scripts.GetByID(ctx, id)
}

// UpdateScript stores a new source. Rules pick it up on the next cache load;
// the executor recompiles because the checksum changed.
func (s *Service) UpdateScript(ctx context.Context, sc *script.Script) error {
	if err := sc.Normalize(); err != nil {
		return err
	}
	if err := s.scripts.Update(ctx, sc); err != nil {
		return err
	}
	s.store.Invalidate()
	return nil
}

func (s *Service) DeleteScript(ctx context.Context, id uuid.UUID) error {
	if err := s.scripts.Delete(ctx, id); err != nil {
		return err
	}
	s.store.Invalidate()
	return nil
}

func (s *Service) ListScripts(ctx context.Context, limit, offset int) ([]*script.Script, int, error) {
	return s.scripts.List(ctx, limit, offset)
}
