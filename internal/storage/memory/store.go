package memory

import (
	"context"
	"math"
	"sync"

	"token-escrow/internal/domain"
	"token-escrow/internal/storage"
)

// balanceKey identifies one ledger balance.
type balanceKey struct {
	mint  domain.Pubkey
	owner domain.Pubkey
}

// Store is an in-memory escrow record store and ledger.
// Read-write units of work hold the write lock for their whole duration,
// so at most one runs at a time. A failing unit is rolled back from its undo journal.
type Store struct {
	mu       sync.RWMutex
	escrows  map[domain.Pubkey]*domain.Escrow
	balances map[balanceKey]uint64
	custody  map[domain.Pubkey]*domain.Vault // Amount is read from balances
}

// NewStore creates a new empty in-memory store.
func NewStore() *Store {
	return &Store{
		escrows:  make(map[domain.Pubkey]*domain.Escrow),
		balances: make(map[balanceKey]uint64),
		custody:  make(map[domain.Pubkey]*domain.Vault),
	}
}

// RunInTx runs fn under the write lock and undoes its changes if it fails or panics.
func (s *Store) RunInTx(ctx context.Context, fn storage.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{s: s, writable: true}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
		tx.done = true
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	committed = true
	return nil
}

// View runs fn under the read lock.
func (s *Store) View(ctx context.Context, fn storage.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tx := &txn{s: s}
	defer func() { tx.done = true }()
	return fn(ctx, tx)
}

// Credit adds amount of mint to owner outside of any unit of work.
func (s *Store) Credit(_ context.Context, mint, owner domain.Pubkey, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey{mint: mint, owner: owner}
	cur := s.balances[key]
	if amount > math.MaxUint64-cur {
		return storage.ErrOverflow
	}
	s.balances[key] = cur + amount
	return nil
}

// txn is a unit of work over a Store. Every mutation pushes its inverse onto undo.
type txn struct {
	s        *Store
	writable bool
	done     bool
	undo     []func()
}

func (t *txn) Escrows() storage.EscrowStore { return &txEscrows{tx: t} }
func (t *txn) Ledger() storage.Ledger       { return &txLedger{tx: t} }

func (t *txn) check(write bool) error {
	if t.done {
		return storage.ErrTxDone
	}
	if write && !t.writable {
		return storage.ErrReadOnly
	}
	return nil
}

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// setBalance writes a balance and journals the previous value.
// Zero balances are removed so that rollback restores map contents exactly.
func (t *txn) setBalance(key balanceKey, amount uint64) {
	prev, had := t.s.balances[key]
	t.undo = append(t.undo, func() {
		if had {
			t.s.balances[key] = prev
		} else {
			delete(t.s.balances, key)
		}
	})
	if amount == 0 {
		delete(t.s.balances, key)
		return
	}
	t.s.balances[key] = amount
}

var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Funder = (*Store)(nil)
	_ storage.Tx     = (*txn)(nil)
)
