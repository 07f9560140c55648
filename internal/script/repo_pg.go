package script

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirdhis/adapter/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a PostgreSQL-backed script repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const scriptCols = `id, name, kind, source, checksum, version, created_at, updated_at`

func scanScript(row pgx.Row) (*Script, error) {
	var s Script
	err := row.Scan(&s.ID, &s.Name, &s.Kind, &s.Source, &s.Checksum, &s.Version,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &s, err
}

func (r *repoPG) Create(ctx context.Context, s *Script) error {
	s.ID = uuid.New()
	return db.QuerierFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO script (id, name, kind, source, checksum, version)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		s.ID, s.Name, s.Kind, s.Source, s.Checksum, s.Version,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Script, error) {
	return scanScript(db.QuerierFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+scriptCols+` FROM script WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, s *Script) error {
	tag, err := db.QuerierFor(ctx, r.pool).Exec(ctx, `
		UPDATE script SET name=$2, kind=$3, source=$4, checksum=$5, version=version+1, updated_at=NOW()
		WHERE id = $1`,
		s.ID, s.Name, s.Kind, s.Source, s.Checksum)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.QuerierFor(ctx, r.pool).Exec(ctx, `DELETE FROM script WHERE id = $1`, id)
	return err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Script, int, error) {
	q := db.QuerierFor(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM script`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+scriptCols+` FROM script ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Script
	for rows.Next() {
		s, err := scanScript(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}
