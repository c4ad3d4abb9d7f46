package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// GetPostgresDSN starts one Postgres container per test binary and returns
// its DSN. The test is skipped with -short or when Docker is unavailable.
// Containers are removed by the testcontainers reaper when the binary exits.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	skipShort(t)

	pgOnce.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		postgresC, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					// Actively verify SQL connectivity using the mapped host:port.
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://flowrun:flowrun@%s:%s/flowrun_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "flowrun",
				"POSTGRES_PASSWORD": "flowrun",
				"POSTGRES_DB":       "flowrun_test",
			}),
		)
		if err != nil {
			pgErr = err
			return
		}

		endpoint, err := postgresC.Endpoint(ctx, "")
		if err != nil {
			_ = postgresC.Terminate(context.Background()) // best-effort cleanup
			pgErr = err
			return
		}
		pgDSN = fmt.Sprintf("postgres://flowrun:flowrun@%s/flowrun_test?sslmode=disable", endpoint)
	})

	skipOnError(t, "postgres", pgErr)
	return pgDSN
}
