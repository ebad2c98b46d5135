package solana

import "token-escrow/internal/domain"

// AccountInfo represents Solana account information with decoded data.
type AccountInfo struct {
	Lamports   uint64
	Owner      domain.Pubkey
	Data       []byte
	Executable bool
	RentEpoch  uint64
}

// KeyedAccount is an account returned by getProgramAccounts.
type KeyedAccount struct {
	Address domain.Pubkey
	Account AccountInfo
}

// MemcmpFilter matches accounts whose data holds Bytes at Offset.
type MemcmpFilter struct {
	Offset uint64
	Bytes  []byte
}

// ProgramAccountsOpts filters getProgramAccounts. Zero values mean no filter.
type ProgramAccountsOpts struct {
	DataSize uint64
	Memcmp   []MemcmpFilter
}
