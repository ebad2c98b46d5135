// Package idhash computes deterministic identifiers.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"token-escrow/internal/domain"
)

// ComputeChainEventID computes a deterministic event_id for a settlement observed on chain.
// Formula: SHA256(escrow|kind|signature|slot)
// Returns hex-encoded hash (64 characters).
//
// Re-observing the same transition (after a reconnect or restart) yields the same ID,
// so the history store rejects it as a duplicate.
func ComputeChainEventID(
	escrow domain.Pubkey,
	kind domain.SettlementKind,
	signature string,
	slot int64,
) string {
	data := fmt.Sprintf("%s|%s|%s|%d",
		escrow.String(),
		string(kind),
		signature,
		slot,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeOpenEventID identifies the MAKE of an escrow account independently of
// where it was first observed: an account seen in a snapshot and again in a
// later notification maps to one ID as long as its terms are unchanged.
// Formula: SHA256(escrow|maker|seed|mint_a|mint_b|receive)
func ComputeOpenEventID(e *domain.Escrow) string {
	data := fmt.Sprintf("%s|%s|%d|%s|%s|%d",
		e.Address.String(),
		e.Maker.String(),
		e.Seed,
		e.MintA.String(),
		e.MintB.String(),
		e.Receive,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
