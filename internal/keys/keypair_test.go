package keys

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Mnemonic from the BIP-39 test vectors.
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestFromMnemonic_Deterministic(t *testing.T) {
	a, err := FromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatalf("FromMnemonic: %v", err)
	}
	b, err := FromMnemonic("  "+strings.ReplaceAll(testMnemonic, " ", "\n")+" ", "")
	if err != nil {
		t.Fatalf("FromMnemonic with odd spacing: %v", err)
	}
	if a.Public() != b.Public() {
		t.Error("same phrase derived different keys")
	}

	c, err := FromMnemonic(testMnemonic, "passphrase")
	if err != nil {
		t.Fatalf("FromMnemonic with passphrase: %v", err)
	}
	if a.Public() == c.Public() {
		t.Error("passphrase must change the key")
	}
}

func TestFromMnemonic_Invalid(t *testing.T) {
	bad := strings.Replace(testMnemonic, "about", "abandon", 1)
	if _, err := FromMnemonic(bad, ""); !errors.Is(err, ErrInvalidMnemonic) {
		t.Errorf("err = %v, want ErrInvalidMnemonic", err)
	}
}

func TestNewMnemonic(t *testing.T) {
	m, err := NewMnemonic()
	if err != nil {
		t.Fatalf("NewMnemonic: %v", err)
	}
	if n := len(strings.Fields(m)); n != 12 {
		t.Errorf("words = %d, want 12", n)
	}
	if _, err := FromMnemonic(m, ""); err != nil {
		t.Errorf("generated mnemonic rejected: %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msg := []byte("make")
	sig := kp.Sign(msg)

	if !Verify(kp.Public(), msg, sig) {
		t.Error("valid signature rejected")
	}
	if Verify(kp.Public(), []byte("take"), sig) {
		t.Error("signature accepted for another message")
	}
	if Verify(kp.Public(), msg, sig[:10]) {
		t.Error("short signature accepted")
	}
}

func TestFile_RoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id.json")

	if err := kp.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	if err := kp.SaveFile(path); err == nil {
		t.Error("SaveFile overwrote an existing file")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("[")) {
		t.Errorf("file is not a JSON array: %s", data)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), kp.Bytes()) {
		t.Error("loaded keypair differs")
	}
}

func TestFromBytes_Rejects(t *testing.T) {
	kp, _ := Generate()
	raw := kp.Bytes()
	raw[63] ^= 0xff

	if _, err := FromBytes(raw); !errors.Is(err, ErrInvalidKeypair) {
		t.Errorf("mismatched public half: %v", err)
	}
	if _, err := FromBytes(raw[:32]); !errors.Is(err, ErrInvalidKeypair) {
		t.Errorf("short keypair: %v", err)
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("[1,2,300]"), 0o600)
	if _, err := LoadFile(path); !errors.Is(err, ErrInvalidKeypair) {
		t.Errorf("out of range byte: %v", err)
	}
}
