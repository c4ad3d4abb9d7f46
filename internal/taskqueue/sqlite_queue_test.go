package taskqueue

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// openTestSQLite opens a file-backed database in a temp dir. A single
// connection keeps every statement on the same database.
func openTestSQLite(t *testing.T) *sql.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "queue.db") + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestSQLiteQueue_Conformance(t *testing.T) {
	runQueueConformance(t, func(t *testing.T, opts Options) Queue {
		q, err := NewSQLiteQueue(openTestSQLite(t), opts)
		if err != nil {
			t.Fatalf("NewSQLiteQueue failed: %v", err)
		}
		return q
	})
}

func TestSQLiteQueue_SchemaIsIdempotent(t *testing.T) {
	db := openTestSQLite(t)
	if _, err := NewSQLiteQueue(db, Options{}); err != nil {
		t.Fatalf("first NewSQLiteQueue failed: %v", err)
	}
	if _, err := NewSQLiteQueue(db, Options{}); err != nil {
		t.Fatalf("second NewSQLiteQueue failed: %v", err)
	}
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar("UPDATE t SET a = ? WHERE b = ? AND c IN (?, ?)")
	want := "UPDATE t SET a = $1 WHERE b = $2 AND c IN ($3, $4)"
	if got != want {
		t.Fatalf("rebindDollar = %q, want %q", got, want)
	}
}
