package taskqueue

import (
	"database/sql"
	"strings"
)

// SQLiteQueue is a persistent Queue backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver, for example
// "modernc.org/sqlite". The caller is responsible for importing the driver:
//
//	import _ "modernc.org/sqlite"
//
// SQLite serializes writers, so the single UPDATE ... RETURNING used by
// Lease is atomic without row locks.
type SQLiteQueue struct {
	sqlQueue
}

// NewSQLiteQueue initializes the flow_jobs table in the given DB and returns
// a new queue.
func NewSQLiteQueue(db *sql.DB, opts Options) (*SQLiteQueue, error) {
	q := &SQLiteQueue{sqlQueue{
		db:   db,
		opts: opts.withDefaults(),
		dialect: sqlDialect{
			rebind: identity,
			isUniqueViolation: func(err error) bool {
				return strings.Contains(err.Error(), "UNIQUE constraint failed")
			},
		},
	}}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload BLOB,
			priority INTEGER NOT NULL DEFAULT 0,
			not_before INTEGER NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			leased_by TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			failed INTEGER NOT NULL DEFAULT 0
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
