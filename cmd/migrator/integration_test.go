//go:build integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags=integration -timeout 120s ./cmd/migrator/...
func TestRunMigratorWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("blobgate"),
		postgres.WithUsername("blobgate"),
		postgres.WithPassword("blobgate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	dir := t.TempDir()
	seed := "INSERT INTO blob_grants (kind, scope, user_id, key_prefix) VALUES ('artifact', 'group/proj', '*', '');"
	if err := os.WriteFile(filepath.Join(dir, "001_grants.sql"), []byte(seed), 0o600); err != nil {
		t.Fatalf("write migration: %v", err)
	}
	env := map[string]string{"DATABASE_URL": dsn, "MIGRATIONS_DIR": dir, "ENVIRONMENT": "test"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	for i := 0; i < 2; i++ {
		if err := runMigrator(ctx, lookup, openDBFn); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	var grants int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM blob_grants`).Scan(&grants); err != nil {
		t.Fatalf("count grants: %v", err)
	}
	if grants != 1 {
		t.Fatalf("seed must apply exactly once, got %d rows", grants)
	}
}
