package persistence

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// PostgresStore implements RunStore using PostgreSQL.
//
// It expects an *sql.DB opened with the pgx stdlib driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
type PostgresStore struct {
	sqlRunStore
}

// Ensure PostgresStore implements RunStore.
var _ RunStore = (*PostgresStore)(nil)

// NewPostgresStore creates the required schema if needed and returns a RunStore.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{sqlRunStore{
		db:     db,
		now:    time.Now,
		rebind: rebindDollar,
	}}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS flow_runs (
			id               TEXT PRIMARY KEY,
			flow_id          TEXT NOT NULL,
			flow_version_id  TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			start_time       BIGINT NOT NULL,
			finish_time      BIGINT NOT NULL DEFAULT 0,
			updated_at       BIGINT NOT NULL,
			pause            TEXT NOT NULL DEFAULT '',
			failed_step_name TEXT NOT NULL DEFAULT '',
			failure_reason   TEXT NOT NULL DEFAULT '',
			input            BYTEA,
			output           BYTEA,
			checkpoint       BYTEA
		);
		CREATE INDEX IF NOT EXISTS flow_runs_flow_status
			ON flow_runs (flow_id, status);
		CREATE TABLE IF NOT EXISTS flow_resume_tokens (
			token       TEXT PRIMARY KEY,
			run_id      TEXT NOT NULL,
			consumed_as TEXT NOT NULL DEFAULT '',
			created_at  BIGINT NOT NULL,
			consumed_at BIGINT NOT NULL DEFAULT 0
		);
	`)
	return err
}

// rebindDollar turns ? placeholders into $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
