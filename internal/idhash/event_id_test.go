package idhash

import (
	"testing"

	"token-escrow/internal/domain"
)

func key(b byte) domain.Pubkey {
	var p domain.Pubkey
	p[0] = b
	return p
}

func TestComputeChainEventID(t *testing.T) {
	tests := []struct {
		name      string
		escrow    domain.Pubkey
		kind      domain.SettlementKind
		signature string
		slot      int64
	}{
		{"take with signature", key(1), domain.SettlementTake, "5xSig", 100},
		{"refund", key(1), domain.SettlementRefund, "5xSig", 100},
		{"close without signature", key(2), domain.SettlementClose, "", 250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeChainEventID(tt.escrow, tt.kind, tt.signature, tt.slot)
			if len(got) != 64 {
				t.Errorf("ComputeChainEventID() length = %d, want 64", len(got))
			}

			// Verify determinism: same inputs should produce same output
			got2 := ComputeChainEventID(tt.escrow, tt.kind, tt.signature, tt.slot)
			if got != got2 {
				t.Errorf("ComputeChainEventID() not deterministic: %s != %s", got, got2)
			}
		})
	}
}

func TestComputeChainEventID_DifferentInputs(t *testing.T) {
	base := ComputeChainEventID(key(1), domain.SettlementTake, "Sig", 1000)

	if base == ComputeChainEventID(key(2), domain.SettlementTake, "Sig", 1000) {
		t.Error("Different escrow should produce different hash")
	}
	if base == ComputeChainEventID(key(1), domain.SettlementRefund, "Sig", 1000) {
		t.Error("Different kind should produce different hash")
	}
	if base == ComputeChainEventID(key(1), domain.SettlementTake, "Other", 1000) {
		t.Error("Different signature should produce different hash")
	}
	if base == ComputeChainEventID(key(1), domain.SettlementTake, "Sig", 2000) {
		t.Error("Different slot should produce different hash")
	}
}

func TestComputeOpenEventID(t *testing.T) {
	e := &domain.Escrow{Address: key(1), Maker: key(2), Seed: 7, MintA: key(3), MintB: key(4), Receive: 10, CreatedAt: 1}

	base := ComputeOpenEventID(e)

	observedLater := *e
	observedLater.CreatedAt = 999
	if ComputeOpenEventID(&observedLater) != base {
		t.Error("observation time must not affect the open event ID")
	}

	reopened := *e
	reopened.Receive = 11
	if ComputeOpenEventID(&reopened) == base {
		t.Error("different terms should produce different hash")
	}
}
