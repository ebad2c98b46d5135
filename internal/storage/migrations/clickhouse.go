package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"

	chstore "token-escrow/internal/storage/clickhouse"
)

// ClickhouseFS holds the settlement history schema.
//
//go:embed clickhouse/*.sql
var ClickhouseFS embed.FS

// RunClickhouseMigrations ensures the settlement history database exists and applies
// the embedded SQL files it has not recorded in schema_migrations yet.
// Returns a connection to the target database for reuse.
func RunClickhouseMigrations(ctx context.Context, dsn string) (conn *chstore.Conn, err error) {
	dbName, err := databaseFromDSN(dsn)
	if err != nil {
		return nil, err
	}

	adminConn, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse admin: %w", err)
	}
	err = adminConn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbName))
	adminConn.Close()
	if err != nil {
		return nil, fmt.Errorf("create database %s: %w", dbName, err)
	}

	conn, err = chstore.NewConnWithDatabase(ctx, dsn, dbName)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse db: %w", err)
	}
	defer func() {
		if err != nil {
			conn.Close()
			conn = nil
		}
	}()

	if err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     String,
			applied_at  DateTime DEFAULT now()
		) ENGINE = ReplacingMergeTree(applied_at)
		ORDER BY version
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := sqlFiles(ClickhouseFS, "clickhouse")
	if err != nil {
		return nil, fmt.Errorf("read embedded clickhouse migrations: %w", err)
	}
	for _, file := range files {
		if err := applyClickhouseMigration(ctx, conn, file); err != nil {
			return nil, err
		}
	}
	return conn, nil
}

// applyClickhouseMigration runs one file unless it is already recorded.
// ClickHouse has no transactional DDL, so files must stay idempotent
// (IF NOT EXISTS) to survive a crash between a statement and its bookkeeping row.
func applyClickhouseMigration(ctx context.Context, conn *chstore.Conn, file string) error {
	var seen uint64
	if err := conn.QueryRow(ctx, `SELECT count() FROM schema_migrations WHERE version = ?`, file).Scan(&seen); err != nil {
		return fmt.Errorf("check migration %s: %w", file, err)
	}
	if seen > 0 {
		return nil
	}

	data, err := fs.ReadFile(ClickhouseFS, "clickhouse/"+file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}
	stmts, err := splitStatements(string(data))
	if err != nil {
		return fmt.Errorf("parse migration %s: %w", file, err)
	}

	// The native protocol runs one statement per Exec.
	for _, stmt := range stmts {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	if err := conn.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, file); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return nil
}

// splitStatements splits SQL on ';' outside single-quoted literals and drops
// "--" line comments outside literals. Doubled quotes ('') escape a quote.
func splitStatements(sql string) ([]string, error) {
	var (
		stmts    []string
		cur      strings.Builder
		inString bool
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			stmts = append(stmts, stmt)
		}
		cur.Reset()
	}

	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		switch {
		case inString:
			cur.WriteByte(ch)
			if ch == '\'' {
				if i+1 < len(sql) && sql[i+1] == '\'' {
					cur.WriteByte('\'')
					i++
					continue
				}
				inString = false
			}
		case ch == '\'':
			inString = true
			cur.WriteByte(ch)
		case ch == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case ch == ';':
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	if inString {
		return nil, errors.New("unterminated string literal")
	}
	flush()
	return stmts, nil
}

// databaseFromDSN returns the database named in a clickhouse:// DSN.
func databaseFromDSN(dsn string) (string, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if opts.Auth.Database == "" {
		return "", errors.New("clickhouse dsn missing database")
	}
	return opts.Auth.Database, nil
}
