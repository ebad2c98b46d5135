package domain

// SettlementKind names the transition recorded by a SettlementEvent.
type SettlementKind string

const (
	SettlementMake   SettlementKind = "MAKE"
	SettlementTake   SettlementKind = "TAKE"
	SettlementRefund SettlementKind = "REFUND"

	// SettlementClose is used for on-chain closes whose instruction could not be identified.
	SettlementClose SettlementKind = "CLOSE"
)

// IsValid checks if the kind is a valid value.
func (k SettlementKind) IsValid() bool {
	switch k {
	case SettlementMake, SettlementTake, SettlementRefund, SettlementClose:
		return true
	}
	return false
}

// SettlementEvent is one row of settlement history.
// Corresponds to settlement_events table in ClickHouse.
type SettlementEvent struct {
	EventID      string // unique; deterministic for chain events
	Source       EventSource
	Kind         SettlementKind
	Escrow       Pubkey
	Maker        Pubkey
	Counterparty Pubkey // taker for TAKE, zero otherwise
	MintA        Pubkey
	MintB        Pubkey
	AmountA      uint64 // MintA moved (deposit for MAKE, vault payout for TAKE/REFUND)
	AmountB      uint64 // MintB moved on TAKE; requested amount on MAKE
	Seed         uint64
	Signature    string // chain transaction signature (CHAIN only)
	Slot         int64  // chain slot (CHAIN only)
	Timestamp    int64  // Unix timestamp in milliseconds
}
