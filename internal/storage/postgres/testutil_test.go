package postgres

import (
	"context"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"token-escrow/internal/domain"
)

// schemaDir is the migrations directory relative to this package.
const schemaDir = "../migrations/postgres"

// setupTestDB starts a PostgreSQL container, applies the schema and returns a pool
// sized for the concurrent settlement tests.
// Returns a cleanup function that must be called after tests complete.
func setupTestDB(t *testing.T) (*Pool, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("escrow"),
		postgres.WithUsername("escrow"),
		postgres.WithPassword("escrow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable", "pool_max_conns=16")
	require.NoError(t, err, "failed to get connection string")

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err, "failed to create pool")

	applySchema(t, ctx, pool)

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return pool, cleanup
}

// applySchema runs the migration files in lexical order. The migrations package
// cannot be imported here because it depends on this one.
func applySchema(t *testing.T, ctx context.Context, pool *Pool) {
	t.Helper()

	dir := os.DirFS(schemaDir)
	files, err := fs.Glob(dir, "*.sql")
	require.NoError(t, err, "failed to list migrations")
	require.NotEmpty(t, files, "no migrations found in %s", schemaDir)

	for _, file := range files {
		sql, err := fs.ReadFile(dir, file)
		require.NoError(t, err, "failed to read migration %s", file)

		_, err = pool.Exec(ctx, string(sql))
		require.NoError(t, err, "failed to apply migration %s", file)
	}
}

// testKey builds a deterministic pubkey for fixtures.
func testKey(b byte) domain.Pubkey {
	var p domain.Pubkey
	p[0] = b
	p[31] = 0x5a
	return p
}
