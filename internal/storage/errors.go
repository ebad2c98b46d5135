package storage

import "errors"

// Storage errors shared by all adapters.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists. Records are never overwritten.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientFunds is returned when a debit exceeds the available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrOverflow is returned when a credit would exceed the ledger's numeric width.
	ErrOverflow = errors.New("balance overflow")

	// ErrCustodyNotEmpty is returned when closing a custody account that still holds tokens.
	ErrCustodyNotEmpty = errors.New("custody account not empty")

	// ErrReadOnly is returned when writing through a read-only unit of work.
	ErrReadOnly = errors.New("read-only transaction")

	// ErrTxDone is returned when a unit of work is used after it finished.
	ErrTxDone = errors.New("transaction already finished")
)
