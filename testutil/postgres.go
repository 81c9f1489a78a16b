// Package testutil holds helpers for tests that need a real Postgres.
package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onnwee/replay-sync/db"
)

// SetupTestPool connects to TEST_PG_DSN, runs migrations and empties the replay tables.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	if err := db.RunMigrations(dsn); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `TRUNCATE recording_users, recordings, chat_messages, users RESTART IDENTITY`); err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}
	return pool
}
