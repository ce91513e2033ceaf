// Package sqlite is a single-node leases.Store backed by a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/juno-intents/lease-manager/internal/leases"
	_ "github.com/mattn/go-sqlite3"
)

var ErrInvalidConfig = errors.New("leases/sqlite: invalid config")

type Config struct {
	Path        string
	BusyTimeout time.Duration

	// MaxOpenConns defaults to 1; SQLite serializes writers anyway.
	MaxOpenConns int

	// Now defaults to time.Now. All expiry checks use it, so one process
	// should own the file.
	Now func() time.Time
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path,
		cfg.BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("leases/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	s := &Store{db: db, now: cfg.Now}

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Ping(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (leases.AcquireResult, error) {
	if err := leases.ValidateAcquire(name, holder, ttl); err != nil {
		return leases.AcquireResult{}, err
	}

	now := s.now().UTC()
	nowNS := now.UnixNano()
	expNS := now.Add(ttl).UnixNano()

	var (
		gotHolder          string
		acquiredNS, expsNS int64
		renewed            bool
	)
	err := s.db.QueryRowContext(ctx, `
INSERT INTO locks (resource_name, holder_id, acquired_at_ns, expires_at_ns, renewals, updated_at_ns)
VALUES (?, ?, ?, ?, 0, ?)
ON CONFLICT (resource_name) DO UPDATE
SET holder_id = excluded.holder_id,
    acquired_at_ns = CASE WHEN locks.expires_at_ns > ? THEN locks.acquired_at_ns ELSE excluded.acquired_at_ns END,
    expires_at_ns = excluded.expires_at_ns,
    renewals = CASE WHEN locks.expires_at_ns > ? THEN locks.renewals + 1 ELSE 0 END,
    updated_at_ns = excluded.updated_at_ns
WHERE locks.expires_at_ns <= ? OR locks.holder_id = excluded.holder_id
RETURNING holder_id, acquired_at_ns, expires_at_ns, renewals > 0
`, name, holder, nowNS, expNS, nowNS, nowNS, nowNS, nowNS).Scan(&gotHolder, &acquiredNS, &expsNS, &renewed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			cur, _, serr := s.Status(ctx, name)
			if serr != nil {
				return leases.AcquireResult{}, serr
			}
			return leases.AcquireResult{Outcome: leases.Denied, Lease: cur}, nil
		}
		return leases.AcquireResult{}, fmt.Errorf("leases/sqlite: acquire: %w", err)
	}

	out := leases.AcquireResult{
		Outcome: leases.Granted,
		Lease: leases.Lease{
			ResourceName: name,
			HolderID:     gotHolder,
			AcquiredAt:   fromNanos(acquiredNS),
			ExpiresAt:    fromNanos(expsNS),
		},
	}
	if renewed {
		out.Outcome = leases.Renewed
	}
	return out, nil
}

func (s *Store) Release(ctx context.Context, name, holder string) (leases.ReleaseOutcome, error) {
	if err := leases.ValidateRelease(name, holder); err != nil {
		return leases.NotHolder, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource_name = ? AND holder_id = ? AND expires_at_ns > ?`,
		name, holder, s.now().UnixNano(),
	)
	if err != nil {
		return leases.NotHolder, fmt.Errorf("leases/sqlite: release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return leases.NotHolder, fmt.Errorf("leases/sqlite: release: %w", err)
	}
	if n == 1 {
		return leases.Released, nil
	}
	return leases.NotHolder, nil
}

func (s *Store) Status(ctx context.Context, name string) (leases.Lease, bool, error) {
	if err := leases.ValidateID("resource_name", name); err != nil {
		return leases.Lease{}, false, err
	}

	var (
		holder             string
		acquiredNS, expsNS int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT holder_id, acquired_at_ns, expires_at_ns
FROM locks
WHERE resource_name = ? AND expires_at_ns > ?
`, name, s.now().UnixNano()).Scan(&holder, &acquiredNS, &expsNS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leases.Lease{}, false, nil
		}
		return leases.Lease{}, false, fmt.Errorf("leases/sqlite: status: %w", err)
	}
	return leases.Lease{
		ResourceName: name,
		HolderID:     holder,
		AcquiredAt:   fromNanos(acquiredNS),
		ExpiresAt:    fromNanos(expsNS),
	}, true, nil
}

func (s *Store) ListActive(ctx context.Context) ([]leases.Lease, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT resource_name, holder_id, acquired_at_ns, expires_at_ns
FROM locks
WHERE expires_at_ns > ?
ORDER BY resource_name
`, s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("leases/sqlite: list active: %w", err)
	}
	return scanLeases(rows, "list active")
}

func (s *Store) ListByHolder(ctx context.Context, holder string) ([]leases.Lease, error) {
	if err := leases.ValidateID("holder_id", holder); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT resource_name, holder_id, acquired_at_ns, expires_at_ns
FROM locks
WHERE holder_id = ? AND expires_at_ns > ?
ORDER BY resource_name
`, holder, s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("leases/sqlite: list by holder: %w", err)
	}
	return scanLeases(rows, "list by holder")
}

func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at_ns <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("leases/sqlite: delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("leases/sqlite: delete expired: %w", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("leases/sqlite: ping: %w", err)
	}
	return nil
}

func scanLeases(rows *sql.Rows, op string) ([]leases.Lease, error) {
	defer rows.Close()

	var out []leases.Lease
	for rows.Next() {
		var (
			l                  leases.Lease
			acquiredNS, expsNS int64
		)
		if err := rows.Scan(&l.ResourceName, &l.HolderID, &acquiredNS, &expsNS); err != nil {
			return nil, fmt.Errorf("leases/sqlite: %s: %w", op, err)
		}
		l.AcquiredAt = fromNanos(acquiredNS)
		l.ExpiresAt = fromNanos(expsNS)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("leases/sqlite: %s: %w", op, err)
	}
	return out, nil
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
