package chainwatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"token-escrow/internal/anchor"
	"token-escrow/internal/domain"
	"token-escrow/internal/pda"
	"token-escrow/internal/solana"
)

// SPL token account layout: mint(32) | owner(32) | amount u64 | ...
const (
	tokenAccountMintOffset   = 0
	tokenAccountOwnerOffset  = 32
	tokenAccountAmountOffset = 64
)

// ErrNotEscrow is returned for an account that is not an escrow record of the program.
var ErrNotEscrow = errors.New("not an escrow account")

// Account is an escrow record observed on chain with its vault.
type Account struct {
	Escrow *domain.Escrow
	// Vault is nil if the vault account does not exist or is not a token account of MintA.
	Vault *domain.Vault
}

// decodeTokenAccount parses the fields of an SPL token account the vault check needs.
// Token-2022 accounts share the base layout; extensions follow it.
func decodeTokenAccount(address domain.Pubkey, info *solana.AccountInfo) (*domain.Vault, error) {
	if !domain.IsTokenProgram(info.Owner) {
		return nil, fmt.Errorf("token account %s owned by %s", address, info.Owner)
	}
	if len(info.Data) < domain.TokenAccountSize {
		return nil, fmt.Errorf("token account %s: %d bytes", address, len(info.Data))
	}
	v := &domain.Vault{
		Address:      address,
		Amount:       binary.LittleEndian.Uint64(info.Data[tokenAccountAmountOffset:]),
		RentLamports: info.Lamports,
	}
	copy(v.Mint[:], info.Data[tokenAccountMintOffset:])
	copy(v.Authority[:], info.Data[tokenAccountOwnerOffset:])
	return v, nil
}

// decodeEscrow parses a program account and checks that its bump re-derives its address.
func decodeEscrow(programID, address domain.Pubkey, info *solana.AccountInfo) (*domain.Escrow, error) {
	if info.Owner != programID {
		return nil, fmt.Errorf("%w: owned by %s", ErrNotEscrow, info.Owner)
	}
	rec, err := anchor.DecodeEscrow(info.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEscrow, err)
	}
	if err := pda.VerifyEscrowAddress(programID, rec.Maker, rec.Seed, rec.Bump, address); err != nil {
		return nil, err
	}
	rec.Address = address
	return rec, nil
}

// vaultPrograms returns the token programs the vault of mint may live under:
// the mint's owner when it is a token program, both programs otherwise.
func vaultPrograms(ctx context.Context, rpc solana.RPCClient, mint domain.Pubkey) ([]domain.Pubkey, error) {
	info, err := rpc.GetAccountInfo(ctx, mint)
	if err != nil {
		return nil, fmt.Errorf("get mint %s: %w", mint, err)
	}
	if info != nil && domain.IsTokenProgram(info.Owner) {
		return []domain.Pubkey{info.Owner}, nil
	}
	return []domain.Pubkey{domain.TokenProgramID, domain.Token2022ProgramID}, nil
}

// fetchVault loads the vault of rec. Returns nil if it is missing or malformed.
func fetchVault(ctx context.Context, rpc solana.RPCClient, rec *domain.Escrow) (*domain.Vault, error) {
	programs, err := vaultPrograms(ctx, rpc, rec.MintA)
	if err != nil {
		return nil, err
	}
	for _, program := range programs {
		address, err := pda.TokenVaultAddress(rec.Address, program, rec.MintA)
		if err != nil {
			return nil, fmt.Errorf("derive vault: %w", err)
		}
		info, err := rpc.GetAccountInfo(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("get vault %s: %w", address, err)
		}
		if info == nil || info.Owner != program {
			continue
		}
		v, err := decodeTokenAccount(address, info)
		if err != nil || v.Mint != rec.MintA || v.Authority != rec.Address {
			continue
		}
		return v, nil
	}
	return nil, nil
}

// FetchAccount loads and decodes a single escrow account with its vault.
// Returns ErrNotEscrow if address holds something else, and a nil Account if it does not exist.
func FetchAccount(ctx context.Context, rpc solana.RPCClient, programID, address domain.Pubkey) (*Account, error) {
	info, err := rpc.GetAccountInfo(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	if info == nil {
		return nil, nil
	}
	rec, err := decodeEscrow(programID, address, info)
	if err != nil {
		return nil, err
	}
	vault, err := fetchVault(ctx, rpc, rec)
	if err != nil {
		return nil, err
	}
	return &Account{Escrow: rec, Vault: vault}, nil
}
