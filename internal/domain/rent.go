package domain

// Account sizes used to price storage deposits.
const (
	// EscrowAccountSize is discriminator(8) + seed(8) + maker(32) + mint_a(32) + mint_b(32) + receive(8) + bump(1).
	EscrowAccountSize = 121

	// TokenAccountSize is the size of an SPL token account.
	TokenAccountSize = 165

	// accountStorageOverhead is the per-account metadata charged on top of data.
	accountStorageOverhead = 128
)

// RentSchedule prices storage deposits. The zero value charges nothing.
type RentSchedule struct {
	LamportsPerByteYear uint64
	ExemptionYears      uint64
}

// DefaultRentSchedule mirrors Solana mainnet rent parameters.
var DefaultRentSchedule = RentSchedule{
	LamportsPerByteYear: 3480,
	ExemptionYears:      2,
}

// MinimumBalance returns the rent-exempt deposit for an account holding dataLen bytes.
func (r RentSchedule) MinimumBalance(dataLen uint64) uint64 {
	return (accountStorageOverhead + dataLen) * r.LamportsPerByteYear * r.ExemptionYears
}

// EscrowDeposit is the deposit locked by an escrow record.
func (r RentSchedule) EscrowDeposit() uint64 {
	return r.MinimumBalance(EscrowAccountSize)
}

// VaultDeposit is the deposit locked by a vault.
func (r RentSchedule) VaultDeposit() uint64 {
	return r.MinimumBalance(TokenAccountSize)
}
