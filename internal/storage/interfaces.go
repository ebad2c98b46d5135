package storage

import (
	"context"

	"token-escrow/internal/domain"
)

// EscrowStore provides access to escrow records.
// A record is present iff its order is open. Records are never updated.
type EscrowStore interface {
	// Insert adds a new record. Returns ErrDuplicateKey if the address (or maker+seed) exists.
	Insert(ctx context.Context, e *domain.Escrow) error

	// Get retrieves a record by address. Returns ErrNotFound if not exists.
	Get(ctx context.Context, address domain.Pubkey) (*domain.Escrow, error)

	// Delete removes a record. Returns ErrNotFound if not exists.
	Delete(ctx context.Context, address domain.Pubkey) error

	// ListByMaker retrieves all open records of a maker, ordered by created_at ASC.
	ListByMaker(ctx context.Context, maker domain.Pubkey) ([]*domain.Escrow, error)

	// List retrieves all open records, ordered by created_at ASC.
	List(ctx context.Context) ([]*domain.Escrow, error)
}

// Ledger is the token accounting service the settlement engine is layered on.
// Balances are keyed by (mint, owner). Lamports are tracked under domain.NativeMint.
type Ledger interface {
	// BalanceOf returns the balance of owner in mint. Unknown pairs hold zero.
	BalanceOf(ctx context.Context, mint, owner domain.Pubkey) (uint64, error)

	// Transfer moves amount of mint from one owner to another.
	// Returns ErrInsufficientFunds if from holds less than amount,
	// ErrOverflow if the credit would exceed the numeric width,
	// ErrInvalidInput for a zero amount, from == to, or a custody account of another mint.
	Transfer(ctx context.Context, mint, from, to domain.Pubkey, amount uint64) error

	// CreateCustodyAccount opens a custody account for mint at address, controlled by authority.
	// rentLamports are debited from payer and held until the account is closed.
	// Returns ErrDuplicateKey if a custody account exists at address,
	// ErrInsufficientFunds if payer cannot cover the deposit.
	CreateCustodyAccount(ctx context.Context, address, authority, mint, payer domain.Pubkey, rentLamports uint64) (*domain.Vault, error)

	// GetCustodyAccount retrieves a custody account with its current token amount.
	// Returns ErrNotFound if not exists.
	GetCustodyAccount(ctx context.Context, address domain.Pubkey) (*domain.Vault, error)

	// CloseCustodyAccount removes an empty custody account and credits its deposit to rentTo.
	// Returns ErrNotFound if not exists, ErrCustodyNotEmpty if it still holds tokens.
	CloseCustodyAccount(ctx context.Context, address, rentTo domain.Pubkey) (*domain.Vault, error)
}

// Funder mints balances out of thin air. Used for genesis funding and tests only.
type Funder interface {
	// Credit adds amount of mint to owner. Returns ErrOverflow past the numeric width.
	Credit(ctx context.Context, mint, owner domain.Pubkey, amount uint64) error
}

// Tx is one unit of work over the record store and the ledger.
type Tx interface {
	Escrows() EscrowStore
	Ledger() Ledger
}

// TxFunc is the body of a unit of work.
// Returning an error discards every change made through tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Store runs units of work. Units touching the same record or vault
// are applied one at a time; none observes another's intermediate state.
type Store interface {
	// RunInTx runs fn in a read-write unit of work and commits if it returns nil.
	RunInTx(ctx context.Context, fn TxFunc) error

	// View runs fn in a read-only unit of work. Writes fail with ErrReadOnly.
	View(ctx context.Context, fn TxFunc) error
}

// SettlementEventStore provides access to settlement_events storage.
type SettlementEventStore interface {
	// Insert adds a new event. Returns ErrDuplicateKey if event_id exists.
	Insert(ctx context.Context, e *domain.SettlementEvent) error

	// InsertBulk adds multiple events atomically. Fails entire batch on any duplicate.
	InsertBulk(ctx context.Context, events []*domain.SettlementEvent) error

	// GetByEscrow retrieves all events of an escrow address, ordered by timestamp ASC.
	GetByEscrow(ctx context.Context, escrow domain.Pubkey) ([]*domain.SettlementEvent, error)

	// GetByTimeRange retrieves events within [start, end] (inclusive), ordered by timestamp ASC.
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.SettlementEvent, error)
}
