// Package pda derives program addresses: deterministic account addresses that
// no private key can sign for, computed from seeds and a program ID.
package pda

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"token-escrow/internal/domain"
)

// Derivation limits enforced by the runtime.
const (
	MaxSeedLength = 32
	MaxSeeds      = 16
)

const pdaMarker = "ProgramDerivedAddress"

var (
	// ErrMaxSeedLength is returned when a single seed exceeds MaxSeedLength.
	ErrMaxSeedLength = errors.New("pda: seed exceeds max length")

	// ErrMaxSeeds is returned when more than MaxSeeds seeds are supplied.
	ErrMaxSeeds = errors.New("pda: too many seeds")

	// ErrOnCurve is returned when the hash lands on the ed25519 curve and
	// therefore could collide with a key someone holds.
	ErrOnCurve = errors.New("pda: derived address is on curve")

	// ErrNoViableBump is returned when no bump in [1, 255] yields an off-curve address.
	ErrNoViableBump = errors.New("pda: no viable bump seed")
)

// CreateProgramAddress hashes seeds || programID || marker and rejects on-curve results.
func CreateProgramAddress(seeds [][]byte, programID domain.Pubkey) (domain.Pubkey, error) {
	if len(seeds) > MaxSeeds {
		return domain.Pubkey{}, ErrMaxSeeds
	}

	h := sha256.New()
	for i, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return domain.Pubkey{}, fmt.Errorf("%w: seed %d is %d bytes", ErrMaxSeedLength, i, len(seed))
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	var addr domain.Pubkey
	copy(addr[:], h.Sum(nil))

	if IsOnCurve(addr[:]) {
		return domain.Pubkey{}, ErrOnCurve
	}
	return addr, nil
}

// FindProgramAddress searches bumps from 255 down to 1 and returns the first
// off-curve address together with the bump that produced it.
func FindProgramAddress(seeds [][]byte, programID domain.Pubkey) (domain.Pubkey, uint8, error) {
	// One slot is reserved for the bump.
	if len(seeds) >= MaxSeeds {
		return domain.Pubkey{}, 0, ErrMaxSeeds
	}

	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	bumpSeed := []byte{0}

	for bump := 255; bump > 0; bump-- {
		bumpSeed[0] = byte(bump)
		withBump[len(seeds)] = bumpSeed

		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return domain.Pubkey{}, 0, err
		}
	}

	return domain.Pubkey{}, 0, ErrNoViableBump
}

// IsOnCurve reports whether b is a valid compressed ed25519 point.
func IsOnCurve(b []byte) bool {
	if len(b) != domain.PubkeyLength {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}
