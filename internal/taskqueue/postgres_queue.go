package taskqueue

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// It expects an *sql.DB opened with the pgx stdlib driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
//
// Lease claims a row with SELECT ... FOR UPDATE SKIP LOCKED inside the
// UPDATE, so concurrent workers never block on each other's candidate.
// The partial unique index on (run_id) rejects a second leased job of the
// same run; that conflict is reported as "nothing eligible".
type PostgresQueue struct {
	sqlQueue
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(ctx context.Context, db *sql.DB, opts Options) (*PostgresQueue, error) {
	q := &PostgresQueue{sqlQueue{
		db:   db,
		opts: opts.withDefaults(),
		dialect: sqlDialect{
			rebind:            rebindDollar,
			lockClause:        "FOR UPDATE SKIP LOCKED",
			isUniqueViolation: isPgUniqueViolation,
		},
	}}
	if err := q.initSchema(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS flow_jobs (
			id               TEXT PRIMARY KEY,
			type             TEXT NOT NULL,
			payload          BYTEA,
			priority         INTEGER NOT NULL DEFAULT 0,
			not_before       BIGINT NOT NULL,
			attempt          INTEGER NOT NULL DEFAULT 0,
			max_attempts     INTEGER NOT NULL,
			created_at       BIGINT NOT NULL,
			run_id           TEXT NOT NULL DEFAULT '',
			idempotency_key  TEXT NOT NULL DEFAULT '',
			leased_by        TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			failed           INTEGER NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS flow_jobs_idempotency
			ON flow_jobs (idempotency_key) WHERE idempotency_key <> '';
		CREATE UNIQUE INDEX IF NOT EXISTS flow_jobs_active_run
			ON flow_jobs (run_id) WHERE run_id <> '' AND leased_by <> '';
		CREATE INDEX IF NOT EXISTS flow_jobs_eligible
			ON flow_jobs (failed, leased_by, not_before, priority);
	`)
	return err
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
