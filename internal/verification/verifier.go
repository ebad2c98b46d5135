// Package verification audits escrow state against settlement history.
// Replaying the ENGINE events of an address must reproduce whether its record
// is open, the record's terms and the amount locked in its vault.
package verification

import (
	"context"

	"token-escrow/internal/domain"
)

// FieldDivergence represents a mismatch between history and stored state.
type FieldDivergence struct {
	Field    string `json:"field"`
	Expected any    `json:"expected"` // replayed from history
	Actual   any    `json:"actual"`   // found in the store
}

// VerificationResult contains the result of verifying a single escrow address.
type VerificationResult struct {
	Escrow      domain.Pubkey     `json:"escrow"`
	Match       bool              `json:"match"`
	Divergences []FieldDivergence `json:"divergences,omitempty"`
	Events      int               `json:"events"` // ENGINE events replayed
	Open        bool              `json:"open"`   // record present in the store
}

// VerificationReport contains results for batch verification.
type VerificationReport struct {
	TotalEscrows     int                  `json:"total_escrows"`
	MatchedEscrows   int                  `json:"matched_escrows"`
	DivergentEscrows int                  `json:"divergent_escrows"`
	Results          []VerificationResult `json:"results"`
}

// Verifier interface for escrow history verification.
type Verifier interface {
	// VerifyEscrow replays the history of one address and compares it with the store.
	VerifyEscrow(ctx context.Context, address domain.Pubkey) (*VerificationResult, error)

	// VerifyAll verifies every open record and every address with history in [from, to].
	VerifyAll(ctx context.Context, from, to int64) (*VerificationReport, error)
}

// CompareOpenEscrow compares the terms of the last MAKE event with the stored record
// and the vault amount it deposited with the vault found in the store.
// vault may be nil.
func CompareOpenEscrow(made *domain.SettlementEvent, rec *domain.Escrow, vault *domain.Vault) []FieldDivergence {
	var divergences []FieldDivergence
	add := func(field string, expected, actual any) {
		divergences = append(divergences, FieldDivergence{Field: field, Expected: expected, Actual: actual})
	}

	if made.Maker != rec.Maker {
		add("maker", made.Maker, rec.Maker)
	}
	if made.Seed != rec.Seed {
		add("seed", made.Seed, rec.Seed)
	}
	if made.MintA != rec.MintA {
		add("mint_a", made.MintA, rec.MintA)
	}
	if made.MintB != rec.MintB {
		add("mint_b", made.MintB, rec.MintB)
	}
	if made.AmountB != rec.Receive {
		add("receive", made.AmountB, rec.Receive)
	}
	if made.Timestamp != rec.CreatedAt {
		add("created_at", made.Timestamp, rec.CreatedAt)
	}

	if vault == nil {
		add("vault", "present", "missing")
		return divergences
	}
	if vault.Mint != rec.MintA {
		add("vault_mint", rec.MintA, vault.Mint)
	}
	if vault.Authority != rec.Address {
		add("vault_authority", rec.Address, vault.Authority)
	}
	if vault.Amount != made.AmountA {
		add("vault_amount", made.AmountA, vault.Amount)
	}
	return divergences
}
