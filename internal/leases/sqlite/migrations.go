package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const latestVersion = 1

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("leases/sqlite: migrate: %w", err)
	}

	cur, err := currentVersion(ctx, s.db)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= latestVersion; v++ {
		if err := s.apply(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("leases/sqlite: schema version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func (s *Store) apply(ctx context.Context, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("leases/sqlite: migration v%d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	switch version {
	case 1:
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS locks (
  resource_name TEXT PRIMARY KEY,
  holder_id TEXT NOT NULL,
  acquired_at_ns INTEGER NOT NULL,
  expires_at_ns INTEGER NOT NULL,
  renewals INTEGER NOT NULL DEFAULT 0,
  updated_at_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS locks_expires_at_idx ON locks(expires_at_ns);
CREATE INDEX IF NOT EXISTS locks_holder_idx ON locks(holder_id, expires_at_ns);
`); err != nil {
			return fmt.Errorf("leases/sqlite: migration v1: %w", err)
		}
	default:
		return fmt.Errorf("leases/sqlite: unknown migration version %d", version)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at_ns) VALUES (?, ?)`,
		version, s.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("leases/sqlite: record migration v%d: %w", version, err)
	}
	return tx.Commit()
}
