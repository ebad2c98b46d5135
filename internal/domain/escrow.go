package domain

// Escrow is the record of one open order.
// Corresponds to the escrows table in PostgreSQL and to the on-chain escrow account.
// A record exists only while its order is open; there is no status field.
type Escrow struct {
	Address   Pubkey // derived from (Maker, Seed), PRIMARY KEY
	Seed      uint64 // maker-chosen order seed
	Maker     Pubkey // order creator, sole refund authority
	MintA     Pubkey // offered asset, held by the vault
	MintB     Pubkey // requested asset
	Receive   uint64 // quantity of MintB demanded, immutable
	Bump      uint8  // derivation witness for Address
	CreatedAt int64  // record creation timestamp (ms)
}

// Clone returns a copy of the record.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Vault is the custody account that holds the maker's deposit for one escrow.
type Vault struct {
	Address      Pubkey // associated token address of (escrow, MintA)
	Mint         Pubkey // always the escrow's MintA
	Authority    Pubkey // the escrow address; no human identity owns a vault
	Amount       uint64 // locked quantity of Mint
	RentLamports uint64 // storage deposit returned on close
	RentPayer    Pubkey // identity that funded RentLamports
}
