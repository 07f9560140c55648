package rule

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirdhis/adapter/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a PostgreSQL-backed rule repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const ruleCols = `id, name, description, direction, evaluation_order, enabled,
	source_type, target_type, fhir_versions, applicability_script_id, transform_script_id,
	grouping, stop, create_enabled, update_enabled, delete_enabled, contained_allowed,
	identifier_system, arguments, version, created_at, updated_at`

func scanRule(row pgx.Row) (*Rule, error) {
	var r Rule
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Direction, &r.EvaluationOrder, &r.Enabled,
		&r.SourceType, &r.TargetType, &r.FHIRVersions, &r.ApplicabilityScriptID, &r.TransformScriptID,
		&r.Grouping, &r.Stop, &r.CreateEnabled, &r.UpdateEnabled, &r.DeleteEnabled, &r.ContainedAllowed,
		&r.IdentifierSystem, &r.Arguments, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &r, err
}

func (p *repoPG) Create(ctx context.Context, r *Rule) error {
	r.ID = uuid.New()
	if r.FHIRVersions == nil {
		r.FHIRVersions = []string{}
	}
	if r.Arguments == nil {
		r.Arguments = map[string]interface{}{}
	}
	return db.QuerierFor(ctx, p.pool).QueryRow(ctx, `
		INSERT INTO rule (id, name, description, direction, evaluation_order, enabled,
			source_type, target_type, fhir_versions, applicability_script_id, transform_script_id,
			grouping, stop, create_enabled, update_enabled, delete_enabled, contained_allowed,
			identifier_system, arguments)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING version, created_at, updated_at`,
		r.ID, r.Name, r.Description, r.Direction, r.EvaluationOrder, r.Enabled,
		r.SourceType, r.TargetType, r.FHIRVersions, r.ApplicabilityScriptID, r.TransformScriptID,
		r.Grouping, r.Stop, r.CreateEnabled, r.UpdateEnabled, r.DeleteEnabled, r.ContainedAllowed,
		r.IdentifierSystem, r.Arguments,
	).Scan(&r.Version, &r.CreatedAt, &r.UpdatedAt)
}

func (p *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return scanRule(db.QuerierFor(ctx, p.pool).QueryRow(ctx,
		`SELECT `+ruleCols+` FROM rule WHERE id = $1`, id))
}

func (p *repoPG) Update(ctx context.Context, r *Rule) error {
	if r.FHIRVersions == nil {
		r.FHIRVersions = []string{}
	}
	err := db.QuerierFor(ctx, p.pool).QueryRow(ctx, `
		UPDATE rule SET name=$2, description=$3, direction=$4, evaluation_order=$5, enabled=$6,
			source_type=$7, target_type=$8, fhir_versions=$9, applicability_script_id=$10,
			transform_script_id=$11, grouping=$12, stop=$13, create_enabled=$14, update_enabled=$15,
			delete_enabled=$16, contained_allowed=$17, identifier_system=$18, arguments=$19,
			version=version+1, updated_at=NOW()
		WHERE id = $1
		RETURNING version, updated_at`,
		r.ID, r.Name, r.Description, r.Direction, r.EvaluationOrder, r.Enabled,
		r.SourceType, r.TargetType, r.FHIRVersions, r.ApplicabilityScriptID,
		r.TransformScriptID, r.Grouping, r.Stop, r.CreateEnabled, r.UpdateEnabled,
		r.DeleteEnabled, r.ContainedAllowed, r.IdentifierSystem, r.Arguments,
	).Scan(&r.Version, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (p *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.QuerierFor(ctx, p.pool).Exec(ctx, `DELETE FROM rule WHERE id = $1`, id)
	return err
}

func (p *repoPG) List(ctx context.Context, limit, offset int) ([]*Rule, int, error) {
	var (
		out   []*Rule
		total int
	)
	err := db.InTx(ctx, p.pool, func(ctx context.Context) error {
		q := db.QuerierFor(ctx, p.pool)
		if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM rule`).Scan(&total); err != nil {
			return err
		}
		rows, err := q.Query(ctx, `SELECT `+ruleCols+` FROM rule ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRule(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (p *repoPG) ListEnabledBySource(ctx context.Context, sourceType string) ([]*Rule, error) {
	rows, err := db.QuerierFor(ctx, p.pool).Query(ctx,
		`SELECT `+ruleCols+` FROM rule WHERE enabled AND source_type = $1`, sourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
