package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/lease-manager/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

// Store keeps leases in a single Postgres table. Expiry is always evaluated
// against the database clock so every manager instance agrees on "now".
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (leases.AcquireResult, error) {
	if s == nil || s.pool == nil {
		return leases.AcquireResult{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := leases.ValidateAcquire(name, holder, ttl); err != nil {
		return leases.AcquireResult{}, err
	}

	var (
		l       = leases.Lease{ResourceName: name}
		renewed bool
	)
	// The WHERE guard on the conflict branch makes grant/renew/deny one
	// statement: a concurrent writer either sees our row and is denied or
	// we see theirs.
	err := s.pool.QueryRow(ctx, `
		INSERT INTO locks (resource_name, holder_id, acquired_at, expires_at, updated_at)
		VALUES ($1, $2, now(), now() + ($3::bigint * interval '1 millisecond'), now())
		ON CONFLICT (resource_name) DO UPDATE
		SET holder_id = EXCLUDED.holder_id,
			acquired_at = CASE
				WHEN locks.expires_at > now() THEN locks.acquired_at
				ELSE EXCLUDED.acquired_at
			END,
			expires_at = EXCLUDED.expires_at,
			renewals = CASE
				WHEN locks.expires_at > now() THEN locks.renewals + 1
				ELSE 0
			END,
			updated_at = now()
		WHERE locks.expires_at <= now() OR locks.holder_id = EXCLUDED.holder_id
		RETURNING holder_id, acquired_at, expires_at, renewals > 0
	`, name, holder, ttlMilliseconds(ttl)).Scan(&l.HolderID, &l.AcquiredAt, &l.ExpiresAt, &renewed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Held by someone else; report who, if they still hold it.
			cur, _, gerr := s.Status(ctx, name)
			if gerr != nil {
				return leases.AcquireResult{}, gerr
			}
			return leases.AcquireResult{Outcome: leases.Denied, Lease: cur}, nil
		}
		return leases.AcquireResult{}, fmt.Errorf("leases/postgres: acquire: %w", err)
	}

	out := leases.AcquireResult{Outcome: leases.Granted, Lease: normalize(l)}
	if renewed {
		out.Outcome = leases.Renewed
	}
	return out, nil
}

func (s *Store) Release(ctx context.Context, name, holder string) (leases.ReleaseOutcome, error) {
	if s == nil || s.pool == nil {
		return leases.NotHolder, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := leases.ValidateRelease(name, holder); err != nil {
		return leases.NotHolder, err
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM locks
		WHERE resource_name = $1 AND holder_id = $2 AND expires_at > now()
	`, name, holder)
	if err != nil {
		return leases.NotHolder, fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return leases.Released, nil
	}
	return leases.NotHolder, nil
}

func (s *Store) Status(ctx context.Context, name string) (leases.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := leases.ValidateID("resource_name", name); err != nil {
		return leases.Lease{}, false, err
	}

	l := leases.Lease{ResourceName: name}
	err := s.pool.QueryRow(ctx, `
		SELECT holder_id, acquired_at, expires_at
		FROM locks
		WHERE resource_name = $1 AND expires_at > now()
	`, name).Scan(&l.HolderID, &l.AcquiredAt, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leases.Lease{}, false, nil
		}
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: status: %w", err)
	}
	return normalize(l), true, nil
}

func (s *Store) ListActive(ctx context.Context) ([]leases.Lease, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT resource_name, holder_id, acquired_at, expires_at
		FROM locks
		WHERE expires_at > now()
		ORDER BY resource_name
	`)
	if err != nil {
		return nil, fmt.Errorf("leases/postgres: list active: %w", err)
	}
	return collect(rows, "list active")
}

func (s *Store) ListByHolder(ctx context.Context, holder string) ([]leases.Lease, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := leases.ValidateID("holder_id", holder); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT resource_name, holder_id, acquired_at, expires_at
		FROM locks
		WHERE holder_id = $1 AND expires_at > now()
		ORDER BY resource_name
	`, holder)
	if err != nil {
		return nil, fmt.Errorf("leases/postgres: list by holder: %w", err)
	}
	return collect(rows, "list by holder")
}

func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM locks WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("leases/postgres: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("leases/postgres: ping: %w", err)
	}
	return nil
}

func collect(rows pgx.Rows, op string) ([]leases.Lease, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (leases.Lease, error) {
		var l leases.Lease
		err := row.Scan(&l.ResourceName, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt)
		return normalize(l), err
	})
	if err != nil {
		return nil, fmt.Errorf("leases/postgres: %s: %w", op, err)
	}
	return out, nil
}

func normalize(l leases.Lease) leases.Lease {
	l.AcquiredAt = l.AcquiredAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	return l
}

func ttlMilliseconds(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}
