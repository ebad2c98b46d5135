package anchor

import (
	"crypto/sha256"
	"errors"
	"testing"

	"token-escrow/internal/domain"
)

func TestAccountDiscriminator(t *testing.T) {
	sum := sha256.Sum256([]byte("account:Escrow"))
	got := AccountDiscriminator("Escrow")
	if string(got[:]) != string(sum[:8]) {
		t.Errorf("discriminator = %x, want %x", got, sum[:8])
	}
	if EscrowDiscriminator != got {
		t.Error("EscrowDiscriminator should equal AccountDiscriminator(\"Escrow\")")
	}
	if InstructionDiscriminator("make") == InstructionDiscriminator("take") {
		t.Error("instruction discriminators must differ")
	}
}

func TestEscrowLayout_RoundTrip(t *testing.T) {
	in := &domain.Escrow{
		Seed:    7,
		Maker:   domain.TokenProgramID,
		MintA:   domain.AssociatedTokenProgramID,
		MintB:   domain.EscrowProgramID,
		Receive: 1_000_000,
		Bump:    254,
	}

	data := EncodeEscrow(in)
	if len(data) != domain.EscrowAccountSize {
		t.Fatalf("encoded length = %d, want %d", len(data), domain.EscrowAccountSize)
	}

	out, err := DecodeEscrow(data)
	if err != nil {
		t.Fatalf("DecodeEscrow: %v", err)
	}
	if *out != *in {
		t.Errorf("decoded %+v, want %+v", out, in)
	}

	// Padding after the layout is tolerated.
	padded := append(data, 0, 0, 0)
	if _, err := DecodeEscrow(padded); err != nil {
		t.Errorf("padded account should decode: %v", err)
	}
}

func TestEscrowLayout_FieldOffsets(t *testing.T) {
	data := EncodeEscrow(&domain.Escrow{Seed: 1, Receive: 2, Bump: 3})

	if data[8] != 1 {
		t.Errorf("seed should start at offset 8, got byte %d", data[8])
	}
	if data[112] != 2 {
		t.Errorf("receive should start at offset 112, got byte %d", data[112])
	}
	if data[120] != 3 {
		t.Errorf("bump should be at offset 120, got %d", data[120])
	}
}

func TestDecodeEscrow_Errors(t *testing.T) {
	if _, err := DecodeEscrow(make([]byte, 10)); !errors.Is(err, ErrShortData) {
		t.Errorf("expected ErrShortData, got %v", err)
	}

	data := EncodeEscrow(&domain.Escrow{Seed: 1})
	data[0] ^= 0xff
	if _, err := DecodeEscrow(data); !errors.Is(err, ErrDiscriminatorMismatch) {
		t.Errorf("expected ErrDiscriminatorMismatch, got %v", err)
	}
}

func TestInstructions(t *testing.T) {
	args := MakeArgs{Seed: 7, Receive: 500, Deposit: 1000}

	ix, err := DecodeInstruction(EncodeMake(args))
	if err != nil {
		t.Fatalf("decode make: %v", err)
	}
	if ix.Name != InstructionMake || ix.Args == nil || *ix.Args != args {
		t.Errorf("decoded make = %+v", ix)
	}

	ix, err = DecodeInstruction(EncodeTake())
	if err != nil || ix.Name != InstructionTake {
		t.Errorf("decode take = %+v, %v", ix, err)
	}

	ix, err = DecodeInstruction(EncodeRefund())
	if err != nil || ix.Name != InstructionRefund || ix.Args != nil {
		t.Errorf("decode refund = %+v, %v", ix, err)
	}

	if _, err := DecodeInstruction([]byte{1, 2, 3, 4, 5, 6, 7, 8}); !errors.Is(err, ErrUnknownInstruction) {
		t.Errorf("expected ErrUnknownInstruction, got %v", err)
	}
	if _, err := DecodeInstruction(EncodeMake(args)[:12]); !errors.Is(err, ErrShortData) {
		t.Errorf("expected ErrShortData for truncated make, got %v", err)
	}
}
