package assignment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirdhis/adapter/internal/platform/db"
	"github.com/fhirdhis/adapter/internal/platform/lock"
	"github.com/fhirdhis/adapter/pkg/resource"
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG creates a PostgreSQL-backed assignment store. Statements run on
// the transaction of the unit of work in ctx, so assignment writes commit
// together with the advisory locks guarding them.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) (db.Querier, error) {
	if uow := lock.FromContext(ctx); uow != nil && uow.State() != lock.Released {
		tx, err := uow.Tx(ctx)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			return tx, nil
		}
	}
	return db.QuerierFor(ctx, s.pool), nil
}

const assignmentCols = `id, rule_id, source_type, source_id, target_type, target_id, created_at, updated_at`

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.RuleID, &a.Source.Type, &a.Source.ID,
		&a.Target.Type, &a.Target.ID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *storePG) Find(ctx context.Context, ruleID uuid.UUID, source resource.Ref) (*Assignment, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return scanAssignment(q.QueryRow(ctx, `
		SELECT `+assignmentCols+` FROM resource_assignment
		WHERE rule_id = $1 AND source_type = $2 AND source_id = $3`,
		ruleID, source.Type, source.ID))
}

func (s *storePG) FindReverse(ctx context.Context, target resource.Ref) (*Assignment, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return scanAssignment(q.QueryRow(ctx, `
		SELECT `+assignmentCols+` FROM resource_assignment
		WHERE target_type = $1 AND target_id = $2
		ORDER BY created_at LIMIT 1`,
		target.Type, target.ID))
}

func (s *storePG) Upsert(ctx context.Context, a *Assignment) error {
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return q.QueryRow(ctx, `
		INSERT INTO resource_assignment (id, rule_id, source_type, source_id, target_type, target_id)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (rule_id, source_type, source_id) DO UPDATE
			SET target_type = EXCLUDED.target_type, target_id = EXCLUDED.target_id, updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		uuid.New(), a.RuleID, a.Source.Type, a.Source.ID, a.Target.Type, a.Target.ID,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

func (s *storePG) Delete(ctx context.Context, ruleID uuid.UUID, source resource.Ref) error {
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		DELETE FROM resource_assignment WHERE rule_id = $1 AND source_type = $2 AND source_id = $3`,
		ruleID, source.Type, source.ID)
	return err
}
