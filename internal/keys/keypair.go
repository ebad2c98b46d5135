// Package keys handles ed25519 identities in the Solana CLI keypair format.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tyler-smith/go-bip39"

	"token-escrow/internal/domain"
)

// MnemonicEntropyBits gives a 12-word phrase, like solana-keygen.
const MnemonicEntropyBits = 128

var (
	// ErrInvalidKeypair is returned for keypair data that is not 64 bytes
	// or whose public half does not match its seed.
	ErrInvalidKeypair = errors.New("invalid keypair")

	// ErrInvalidMnemonic is returned for a phrase that fails the BIP-39 checksum.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)

// Keypair is an ed25519 signing identity.
type Keypair struct {
	priv ed25519.PrivateKey
}

// Generate creates a random keypair.
func Generate() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{priv: priv}, nil
}

// FromSeed derives a keypair from a 32-byte ed25519 seed.
func FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed length %d", ErrInvalidKeypair, len(seed))
	}
	return &Keypair{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// FromBytes loads the 64-byte secret||public form.
func FromBytes(b []byte) (*Keypair, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidKeypair, len(b))
	}
	kp, err := FromSeed(b[:ed25519.SeedSize])
	if err != nil {
		return nil, err
	}
	if !kp.priv.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(b[ed25519.SeedSize:])) {
		return nil, fmt.Errorf("%w: public key does not match seed", ErrInvalidKeypair)
	}
	return kp, nil
}

// NewMnemonic returns a fresh BIP-39 phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("mnemonic entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// FromMnemonic derives the keypair solana-keygen recovers from a phrase without
// a derivation path: the first 32 bytes of the BIP-39 seed.
func FromMnemonic(mnemonic, passphrase string) (*Keypair, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return FromSeed(seed[:ed25519.SeedSize])
}

// Public returns the identity's address.
func (k *Keypair) Public() domain.Pubkey {
	var p domain.Pubkey
	copy(p[:], k.priv[ed25519.SeedSize:])
	return p
}

// Sign signs msg.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// Bytes returns the 64-byte secret||public form.
func (k *Keypair) Bytes() []byte {
	out := make([]byte, len(k.priv))
	copy(out, k.priv)
	return out
}

// Verify reports whether sig is signer's signature of msg.
func Verify(signer domain.Pubkey, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signer[:]), msg, sig)
}

// MarshalJSON encodes the keypair as a JSON array of 64 numbers.
func (k *Keypair) MarshalJSON() ([]byte, error) {
	nums := make([]int, len(k.priv))
	for i, b := range k.priv {
		nums[i] = int(b)
	}
	return json.Marshal(nums)
}

// UnmarshalJSON decodes a JSON array of 64 numbers.
func (k *Keypair) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKeypair, err)
	}
	raw := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("%w: byte %d out of range", ErrInvalidKeypair, i)
		}
		raw[i] = byte(n)
	}
	kp, err := FromBytes(raw)
	if err != nil {
		return err
	}
	*k = *kp
	return nil
}

// LoadFile reads a keypair file written by solana-keygen or SaveFile.
func LoadFile(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair %s: %w", path, err)
	}
	var kp Keypair
	if err := json.Unmarshal(data, &kp); err != nil {
		return nil, fmt.Errorf("keypair %s: %w", path, err)
	}
	return &kp, nil
}

// SaveFile writes the keypair readable by its owner only. Existing files are not overwritten.
func (k *Keypair) SaveFile(path string) error {
	data, err := json.Marshal(k)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create keypair %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write keypair %s: %w", path, err)
	}
	return f.Close()
}
