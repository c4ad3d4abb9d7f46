package persistence

import (
	"database/sql"
	"time"
)

// SQLiteStore is a RunStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	sqlRunStore
}

// Ensure SQLiteStore implements RunStore.
var _ RunStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given
// database and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{sqlRunStore{
		db:     db,
		now:    time.Now,
		rebind: func(q string) string { return q },
	}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_runs (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			flow_version_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			finish_time INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			pause TEXT NOT NULL DEFAULT '',
			failed_step_name TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			input BLOB,
			output BLOB,
			checkpoint BLOB
		);
		CREATE INDEX IF NOT EXISTS flow_runs_flow_status
			ON flow_runs (flow_id, status);
		CREATE TABLE IF NOT EXISTS flow_resume_tokens (
			token TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			consumed_as TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			consumed_at INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}
