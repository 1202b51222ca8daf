package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// Execer is the subset of pgxpool.Pool used for migrations and inserts.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS blob_objects (
		kind            TEXT        NOT NULL,
		scope           TEXT        NOT NULL,
		key             TEXT        NOT NULL,
		content         BYTEA       NOT NULL,
		content_type    TEXT        NOT NULL DEFAULT '',
		filename        TEXT        NOT NULL DEFAULT '',
		etag            TEXT        NOT NULL DEFAULT '',
		public_readable BOOLEAN     NOT NULL DEFAULT FALSE,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (kind, scope, key)
	)`,
	`CREATE TABLE IF NOT EXISTS blob_grants (
		kind       TEXT NOT NULL,
		scope      TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		key_prefix TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (kind, scope, user_id, key_prefix)
	)`,
	`CREATE TABLE IF NOT EXISTS blob_deliveries (
		id           UUID        PRIMARY KEY,
		occurred_at  TIMESTAMPTZ NOT NULL,
		request_id   TEXT        NOT NULL DEFAULT '',
		caller       TEXT        NOT NULL,
		user_hash    TEXT        NOT NULL DEFAULT '',
		resource     TEXT        NOT NULL,
		outcome      TEXT        NOT NULL,
		status       INT         NOT NULL,
		bytes        BIGINT      NOT NULL DEFAULT 0,
		duration_ms  BIGINT      NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS blob_deliveries_occurred_at_idx ON blob_deliveries (occurred_at)`,
}

// EnsureSchema creates the gateway tables when they are missing.
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}
	return nil
}
