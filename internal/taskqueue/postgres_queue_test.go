package taskqueue

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/petrijr/flowrun/internal/testutil"
)

func TestPostgresQueue_Conformance(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	runQueueConformance(t, func(t *testing.T, opts Options) Queue {
		ctx := context.Background()
		q, err := NewPostgresQueue(ctx, db, opts)
		if err != nil {
			t.Fatalf("NewPostgresQueue failed: %v", err)
		}
		if _, err := db.ExecContext(ctx, "TRUNCATE TABLE flow_jobs"); err != nil {
			t.Fatalf("TRUNCATE flow_jobs failed: %v", err)
		}
		return q
	})
}
