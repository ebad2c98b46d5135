package escrow

import (
	"errors"

	"token-escrow/internal/storage"
)

// Caller-facing error kinds. Every failed transition leaves state unchanged.
var (
	// ErrInvalidTerms is returned by Make for identical mints or a zero amount.
	ErrInvalidTerms = errors.New("invalid terms")

	// ErrInsufficientFunds is returned when the maker cannot cover the deposit
	// (tokens or storage lamports) or the taker cannot pay the receive amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateOrder is returned by Make when a record exists for (maker, seed).
	ErrDuplicateOrder = errors.New("duplicate order")

	// ErrOrderNotFound is returned by Take and Refund when no record exists at the address.
	ErrOrderNotFound = errors.New("order not found")

	// ErrUnauthorized is returned by Refund for any identity other than the maker.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvariant marks state that can only come from a protocol bug,
	// e.g. a vault without a record or a record whose bump does not re-derive its address.
	ErrInvariant = errors.New("escrow invariant violated")
)

// Error kinds as reported on the wire.
const (
	KindInvalidTerms      = "InvalidTerms"
	KindInsufficientFunds = "InsufficientFunds"
	KindDuplicateOrder    = "DuplicateOrder"
	KindOrderNotFound     = "OrderNotFound"
	KindUnauthorized      = "Unauthorized"
	KindOverflow          = "Overflow"
	KindInvariant         = "Invariant"
	KindInternal          = "Internal"
)

// KindOf returns the stable kind of err, or "" for nil.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTerms):
		return KindInvalidTerms
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrDuplicateOrder):
		return KindDuplicateOrder
	case errors.Is(err, ErrOrderNotFound):
		return KindOrderNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, storage.ErrOverflow):
		return KindOverflow
	case errors.Is(err, ErrInvariant):
		return KindInvariant
	default:
		return KindInternal
	}
}
