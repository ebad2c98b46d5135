package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"token-escrow/internal/storage/postgres"
)

// PostgresFS holds the record store and ledger schema.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// migrationLockID serializes concurrent migration runs across processes.
const migrationLockID = 0x65736372 // "escr"

// RunPostgresMigrations applies embedded SQL files in lexical order and records each
// in schema_migrations, so a restart only applies files it has not seen.
// Returns the names of the files applied by this call.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) ([]string, error) {
	files, err := sqlFiles(PostgresFS, "postgres")
	if err != nil {
		return nil, fmt.Errorf("read embedded postgres migrations: %w", err)
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     TEXT PRIMARY KEY,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied []string
	for _, file := range files {
		ok, err := applyPostgresMigration(ctx, pool, file)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, file)
		}
	}
	return applied, nil
}

// applyPostgresMigration runs one file and its bookkeeping row in a single transaction.
func applyPostgresMigration(ctx context.Context, pool *postgres.Pool, file string) (bool, error) {
	data, err := fs.ReadFile(PostgresFS, "postgres/"+file)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration %s: %w", file, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}

	var seen bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, file).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", file, err)
	}
	if seen {
		return false, nil
	}

	if strings.TrimSpace(string(data)) != "" {
		if _, err := tx.Exec(ctx, string(data), pgx.QueryExecModeSimpleProtocol); err != nil {
			return false, fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, file); err != nil {
		return false, fmt.Errorf("record migration %s: %w", file, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", file, err)
	}
	return true, nil
}

// sqlFiles lists the .sql files of dir in lexical order.
func sqlFiles(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
