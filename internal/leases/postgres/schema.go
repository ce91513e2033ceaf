package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS locks (
	resource_name TEXT PRIMARY KEY,
	holder_id TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	renewals BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS locks_expires_at_idx ON locks (expires_at);
CREATE INDEX IF NOT EXISTS locks_holder_id_idx ON locks (holder_id, expires_at);
`
