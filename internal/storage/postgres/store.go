package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"token-escrow/internal/domain"
	"token-escrow/internal/observability"
	"token-escrow/internal/storage"
)

// defaultTxRetries is how many times a unit of work is re-run after a
// serialization failure or deadlock before the error is returned.
const defaultTxRetries = 5

// Store implements storage.Store on PostgreSQL.
// Records touched by a unit of work are locked with SELECT ... FOR UPDATE,
// debits are conditional, so concurrent units on one escrow are applied one at a time.
type Store struct {
	pool       *Pool
	maxRetries int
}

// NewStore creates a new Store.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool, maxRetries: defaultTxRetries}
}

// Compile-time interface checks.
var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Funder = (*Store)(nil)
	_ storage.Tx     = (*pgTx)(nil)
)

// RunInTx runs fn in a read-write transaction and commits if it returns nil.
func (s *Store) RunInTx(ctx context.Context, fn storage.TxFunc) error {
	return s.run(ctx, pgx.TxOptions{}, true, fn)
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn storage.TxFunc) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, false, fn)
}

// Credit adds amount of mint to owner in its own transaction.
func (s *Store) Credit(ctx context.Context, mint, owner domain.Pubkey, amount uint64) error {
	return s.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return credit(ctx, tx.(*pgTx).tx, mint, owner, amount)
	})
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, writable bool, fn storage.TxFunc) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = s.runOnce(ctx, opts, writable, fn)
		if !isRetryableError(err) || ctx.Err() != nil {
			return err
		}
		observability.RecordTxRetry("postgres")
	}
	return err
}

func (s *Store) runOnce(ctx context.Context, opts pgx.TxOptions, writable bool, fn storage.TxFunc) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx, writable: writable}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// pgTx is one unit of work bound to a pgx transaction.
type pgTx struct {
	tx       pgx.Tx
	writable bool
}

func (t *pgTx) Escrows() storage.EscrowStore {
	return &EscrowStore{tx: t.tx, writable: t.writable}
}

func (t *pgTx) Ledger() storage.Ledger {
	return &Ledger{tx: t.tx, writable: t.writable}
}

// lockClause returns the row-locking suffix for reads in read-write units.
func lockClause(writable bool, of string) string {
	if !writable {
		return ""
	}
	if of != "" {
		return " FOR UPDATE OF " + of
	}
	return " FOR UPDATE"
}
