package pda

import (
	"encoding/binary"
	"errors"
	"fmt"

	"token-escrow/internal/domain"
)

// EscrowSeedPrefix is the domain-separation tag of escrow record addresses.
const EscrowSeedPrefix = "escrow"

// ErrAddressMismatch is returned when a stored bump does not re-derive the stored address.
var ErrAddressMismatch = errors.New("pda: address does not match seeds")

// EscrowSeeds returns ["escrow", maker, le64(seed)].
func EscrowSeeds(maker domain.Pubkey, seed uint64) [][]byte {
	var seedLE [8]byte
	binary.LittleEndian.PutUint64(seedLE[:], seed)
	return [][]byte{[]byte(EscrowSeedPrefix), maker[:], seedLE[:]}
}

// EscrowAddress derives the record address for (maker, seed) under programID.
func EscrowAddress(programID, maker domain.Pubkey, seed uint64) (domain.Pubkey, uint8, error) {
	return FindProgramAddress(EscrowSeeds(maker, seed), programID)
}

// VerifyEscrowAddress checks that bump re-derives addr for (maker, seed).
func VerifyEscrowAddress(programID, maker domain.Pubkey, seed uint64, bump uint8, addr domain.Pubkey) error {
	seeds := append(EscrowSeeds(maker, seed), []byte{bump})
	derived, err := CreateProgramAddress(seeds, programID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAddressMismatch, err)
	}
	if derived != addr {
		return fmt.Errorf("%w: got %s, derived %s", ErrAddressMismatch, addr, derived)
	}
	return nil
}

// AssociatedTokenAddress derives the canonical account of owner for a mint
// managed by tokenProgram.
func AssociatedTokenAddress(owner, tokenProgram, mint domain.Pubkey) (domain.Pubkey, uint8, error) {
	seeds := [][]byte{owner[:], tokenProgram[:], mint[:]}
	return FindProgramAddress(seeds, domain.AssociatedTokenProgramID)
}

// VaultAddress derives the custody account that holds mintA for an escrow record
// in the local ledger, which keys custody like the legacy token program.
func VaultAddress(escrow, mintA domain.Pubkey) (domain.Pubkey, error) {
	return TokenVaultAddress(escrow, domain.TokenProgramID, mintA)
}

// TokenVaultAddress derives the vault of an escrow whose mint is managed by tokenProgram.
func TokenVaultAddress(escrow, tokenProgram, mintA domain.Pubkey) (domain.Pubkey, error) {
	addr, _, err := AssociatedTokenAddress(escrow, tokenProgram, mintA)
	return addr, err
}
