// Package anchor encodes and decodes the on-chain escrow program's account
// and instruction data (Anchor framework layout, Borsh little-endian fields).
package anchor

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"token-escrow/internal/domain"
)

// DiscriminatorLength is the length of the account/instruction type tag.
const DiscriminatorLength = 8

// EscrowAccountName is the Anchor type name of the escrow record account.
const EscrowAccountName = "Escrow"

var (
	// ErrShortData is returned when a buffer is smaller than the layout requires.
	ErrShortData = errors.New("anchor: data too short")

	// ErrDiscriminatorMismatch is returned when the leading 8 bytes name a different type.
	ErrDiscriminatorMismatch = errors.New("anchor: discriminator mismatch")
)

// Discriminator is the 8-byte type tag prefixed to accounts and instructions.
type Discriminator [DiscriminatorLength]byte

// AccountDiscriminator returns sha256("account:<name>")[:8].
func AccountDiscriminator(name string) Discriminator {
	return discriminator("account:" + name)
}

// InstructionDiscriminator returns sha256("global:<name>")[:8].
func InstructionDiscriminator(name string) Discriminator {
	return discriminator("global:" + name)
}

func discriminator(preimage string) Discriminator {
	sum := sha256.Sum256([]byte(preimage))
	var d Discriminator
	copy(d[:], sum[:DiscriminatorLength])
	return d
}

// EscrowDiscriminator tags every escrow record account.
var EscrowDiscriminator = AccountDiscriminator(EscrowAccountName)

// EncodeEscrow serializes a record into the on-chain account layout:
// disc | seed u64 | maker | mint_a | mint_b | receive u64 | bump u8.
// Address and CreatedAt are not part of the account data.
func EncodeEscrow(e *domain.Escrow) []byte {
	buf := make([]byte, domain.EscrowAccountSize)
	w := buf
	copy(w, EscrowDiscriminator[:])
	w = w[DiscriminatorLength:]
	binary.LittleEndian.PutUint64(w, e.Seed)
	w = w[8:]
	copy(w, e.Maker[:])
	w = w[domain.PubkeyLength:]
	copy(w, e.MintA[:])
	w = w[domain.PubkeyLength:]
	copy(w, e.MintB[:])
	w = w[domain.PubkeyLength:]
	binary.LittleEndian.PutUint64(w, e.Receive)
	w = w[8:]
	w[0] = e.Bump
	return buf
}

// DecodeEscrow parses account data. Trailing bytes beyond the layout are ignored
// so that accounts allocated with padding still decode.
func DecodeEscrow(data []byte) (*domain.Escrow, error) {
	if len(data) < domain.EscrowAccountSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrShortData, len(data), domain.EscrowAccountSize)
	}
	if Discriminator(data[:DiscriminatorLength]) != EscrowDiscriminator {
		return nil, fmt.Errorf("%w: not an %s account", ErrDiscriminatorMismatch, EscrowAccountName)
	}

	r := data[DiscriminatorLength:]
	e := &domain.Escrow{}
	e.Seed = binary.LittleEndian.Uint64(r)
	r = r[8:]
	copy(e.Maker[:], r)
	r = r[domain.PubkeyLength:]
	copy(e.MintA[:], r)
	r = r[domain.PubkeyLength:]
	copy(e.MintB[:], r)
	r = r[domain.PubkeyLength:]
	e.Receive = binary.LittleEndian.Uint64(r)
	r = r[8:]
	e.Bump = r[0]
	return e, nil
}
