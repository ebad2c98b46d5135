package domain

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// PubkeyLength is the size of a Solana account address in bytes.
const PubkeyLength = 32

// ErrInvalidPubkey is returned when a string is not a base58 encoded 32-byte key.
var ErrInvalidPubkey = errors.New("invalid pubkey")

// Pubkey is a 32-byte account address (wallet, mint, program or derived address).
type Pubkey [PubkeyLength]byte

// Well-known program IDs.
var (
	SystemProgramID          = MustPubkey("11111111111111111111111111111111")
	TokenProgramID           = MustPubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	Token2022ProgramID       = MustPubkey("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
	AssociatedTokenProgramID = MustPubkey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	// EscrowProgramID is the deployed escrow program mirrored by the chain watcher.
	EscrowProgramID = MustPubkey("HLze5gPcuXFLGov2y6Jbrbkm4zKVQ8gEAugv8JcBXDUz")

	// NativeMint is the pseudo-mint under which the ledger tracks lamports.
	NativeMint = SystemProgramID
)

// IsTokenProgram reports whether p is one of the SPL token programs.
func IsTokenProgram(p Pubkey) bool {
	return p == TokenProgramID || p == Token2022ProgramID
}

// ParsePubkey decodes a base58 address.
func ParsePubkey(s string) (Pubkey, error) {
	var p Pubkey
	if s == "" {
		return p, fmt.Errorf("%w: empty", ErrInvalidPubkey)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	if len(raw) != PubkeyLength {
		return p, fmt.Errorf("%w: decoded length %d", ErrInvalidPubkey, len(raw))
	}
	copy(p[:], raw)
	return p, nil
}

// MustPubkey is ParsePubkey for constants; it panics on malformed input.
func MustPubkey(s string) Pubkey {
	p, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PubkeyFromBytes copies a 32-byte slice into a Pubkey.
func PubkeyFromBytes(b []byte) (Pubkey, error) {
	var p Pubkey
	if len(b) != PubkeyLength {
		return p, fmt.Errorf("%w: length %d", ErrInvalidPubkey, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// String returns the base58 form.
func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// Bytes returns a copy of the key bytes.
func (p Pubkey) Bytes() []byte {
	b := make([]byte, PubkeyLength)
	copy(b, p[:])
	return b
}

// IsZero reports whether p is the all-zero key.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// MarshalText implements encoding.TextMarshaler.
func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pubkey) UnmarshalText(text []byte) error {
	parsed, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
