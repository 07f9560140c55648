package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirdhis/adapter/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a PostgreSQL-backed subscription repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const subCols = `id, name, enabled, fhir_endpoint, fhir_version, authorization_header,
	web_hook_authorization_header, tolerance_millis, use_adapter_identifier,
	creation_disabled, poll_interval_seconds, created_at, updated_at`

func scanSub(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.Name, &s.Enabled, &s.FHIREndpoint, &s.FHIRVersion,
		&s.AuthorizationHeader, &s.WebHookAuthorizationHeader, &s.ToleranceMillis,
		&s.UseAdapterIdentifier, &s.CreationDisabled, &s.PollIntervalSeconds,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &s, err
}

func (p *repoPG) Create(ctx context.Context, s *Subscription) error {
	s.ID = uuid.New()
	return db.QuerierFor(ctx, p.pool).QueryRow(ctx, `
		INSERT INTO remote_subscription (id, name, enabled, fhir_endpoint, fhir_version,
			authorization_header, web_hook_authorization_header, tolerance_millis,
			use_adapter_identifier, creation_disabled, poll_interval_seconds)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		s.ID, s.Name, s.Enabled, s.FHIREndpoint, s.FHIRVersion,
		s.AuthorizationHeader, s.WebHookAuthorizationHeader, s.ToleranceMillis,
		s.UseAdapterIdentifier, s.CreationDisabled, s.PollIntervalSeconds,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (p *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSub(db.QuerierFor(ctx, p.pool).QueryRow(ctx,
		`SELECT `+subCols+` FROM remote_subscription WHERE id = $1`, id))
}

func (p *repoPG) Update(ctx context.Context, s *Subscription) error {
	err := db.QuerierFor(ctx, p.pool).QueryRow(ctx, `
		UPDATE remote_subscription SET name=$2, enabled=$3, fhir_endpoint=$4, fhir_version=$5,
			authorization_header=$6, web_hook_authorization_header=$7, tolerance_millis=$8,
			use_adapter_identifier=$9, creation_disabled=$10, poll_interval_seconds=$11,
			updated_at=NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		s.ID, s.Name, s.Enabled, s.FHIREndpoint, s.FHIRVersion,
		s.AuthorizationHeader, s.WebHookAuthorizationHeader, s.ToleranceMillis,
		s.UseAdapterIdentifier, s.CreationDisabled, s.PollIntervalSeconds,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (p *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.QuerierFor(ctx, p.pool).Exec(ctx, `DELETE FROM remote_subscription WHERE id = $1`, id)
	return err
}

func (p *repoPG) List(ctx context.Context, limit, offset int) ([]*Subscription, int, error) {
	var (
		out   []*Subscription
		total int
	)
	err := db.InTx(ctx, p.pool, func(ctx context.Context) error {
		q := db.QuerierFor(ctx, p.pool)
		if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM remote_subscription`).Scan(&total); err != nil {
			return err
		}
		rows, err := q.Query(ctx, `SELECT `+subCols+` FROM remote_subscription ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanSub(rows)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

const resCols = `id, subscription_id, resource_type, COALESCE(criteria_parameters, ''),
	remote_last_updated, virtual, created_at, updated_at`

func scanResource(row pgx.Row) (*Resource, error) {
	var r Resource
	err := row.Scan(&r.ID, &r.SubscriptionID, &r.ResourceType, &r.CriteriaParameters,
		&r.RemoteLastUpdated, &r.Virtual, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &r, err
}

func (p *repoPG) CreateResource(ctx context.Context, r *Resource) error {
	r.ID = uuid.New()
	return db.QuerierFor(ctx, p.pool).QueryRow(ctx, `
		INSERT INTO subscription_resource (id, subscription_id, resource_type,
			criteria_parameters, remote_last_updated, virtual)
		VALUES ($1,$2,$3,NULLIF($4, ''),$5,$6)
		RETURNING created_at, updated_at`,
		r.ID, r.SubscriptionID, r.ResourceType, r.CriteriaParameters, r.RemoteLastUpdated, r.Virtual,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
}

func (p *repoPG) GetResource(ctx context.Context, id uuid.UUID) (*Resource, error) {
	return scanResource(db.QuerierFor(ctx, p.pool).QueryRow(ctx,
		`SELECT `+resCols+` FROM subscription_resource WHERE id = $1`, id))
}

func (p *repoPG) listResources(ctx context.Context, sql string, args ...interface{}) ([]*Resource, error) {
	rows, err := db.QuerierFor(ctx, p.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *repoPG) ListResources(ctx context.Context, subscriptionID uuid.UUID) ([]*Resource, error) {
	return p.listResources(ctx, `SELECT `+resCols+` FROM subscription_resource
		WHERE subscription_id = $1 ORDER BY resource_type`, subscriptionID)
}

func (p *repoPG) ListPollable(ctx context.Context) ([]*Resource, error) {
	return p.listResources(ctx, `SELECT r.id, r.subscription_id, r.resource_type,
			COALESCE(r.criteria_parameters, ''), r.remote_last_updated, r.virtual,
			r.created_at, r.updated_at
		FROM subscription_resource r
		JOIN remote_subscription s ON s.id = r.subscription_id
		WHERE s.enabled
		ORDER BY r.id`)
}

func (p *repoPG) DeleteResource(ctx context.Context, id uuid.UUID) error {
	_, err := db.QuerierFor(ctx, p.pool).Exec(ctx, `DELETE FROM subscription_resource WHERE id = $1`, id)
	return err
}

func (p *repoPG) SetLastUpdated(ctx context.Context, id uuid.UUID, t time.Time) error {
	tag, err := db.QuerierFor(ctx, p.pool).Exec(ctx, `
		UPDATE subscription_resource SET remote_last_updated=$2, updated_at=NOW()
		WHERE id = $1`, id, t.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
