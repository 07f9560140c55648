package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// lockNotAvailable is raised when lock_timeout expires.
const lockNotAvailable = "55P03"

// PGBackend takes transaction-scoped advisory locks, so locks and the
// assignment writes made in the same session are released together.
type PGBackend struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPGBackend creates a PostgreSQL lock backend. A positive lockTimeout is
// applied server side with SET LOCAL lock_timeout.
func NewPGBackend(pool *pgxpool.Pool, lockTimeout time.Duration) *PGBackend {
	return &PGBackend{pool: pool, lockTimeout: lockTimeout}
}

func (b *PGBackend) Open(ctx context.Context) (Session, error) {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin lock transaction: %w", err)
	}
	if b.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", b.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("set lock_timeout: %w", err)
		}
	}
	return &pgSession{tx: tx}, nil
}

type pgSession struct {
	tx pgx.Tx
}

func (s *pgSession) Acquire(ctx context.Context, token int64) error {
	if _, err := s.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", token); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
			return fmt.Errorf("advisory lock %d: timeout: %w", token, err)
		}
		return fmt.Errorf("advisory lock %d: %w", token, err)
	}
	return nil
}

func (s *pgSession) Tx() pgx.Tx { return s.tx }

func (s *pgSession) Commit(ctx context.Context) error { return s.tx.Commit(ctx) }

func (s *pgSession) Rollback(ctx context.Context) error {
	err := s.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
