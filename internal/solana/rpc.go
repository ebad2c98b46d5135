// Package solana is a minimal Solana JSON-RPC and websocket client, enough to
// mirror the accounts of one program.
package solana

import (
	"context"

	"token-escrow/internal/domain"
)

// RPCClient defines Solana RPC HTTP interface.
type RPCClient interface {
	// GetAccountInfo retrieves one account. Returns nil if the account does not exist.
	GetAccountInfo(ctx context.Context, address domain.Pubkey) (*AccountInfo, error)

	// GetProgramAccounts retrieves the accounts owned by program that match opts.
	GetProgramAccounts(ctx context.Context, program domain.Pubkey, opts *ProgramAccountsOpts) ([]KeyedAccount, error)

	// GetSlot retrieves the current slot.
	GetSlot(ctx context.Context) (int64, error)

	// GetTransaction retrieves a transaction by signature. Returns nil if not found.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)
}

// Transaction represents a Solana transaction.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds)
	Meta      *TransactionMeta
}

// TransactionMeta contains transaction metadata.
type TransactionMeta struct {
	Err         any
	LogMessages []string
}
