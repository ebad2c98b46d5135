package memory

import (
	"context"
	"errors"
	"testing"

	"token-escrow/internal/domain"
	"token-escrow/internal/storage"
)

func TestSettlementEventStore_InsertAndGet(t *testing.T) {
	store := NewSettlementEventStore()
	ctx := context.Background()

	events := []*domain.SettlementEvent{
		{EventID: "e2", Kind: domain.SettlementTake, Escrow: esc, Timestamp: 2000},
		{EventID: "e1", Kind: domain.SettlementMake, Escrow: esc, Timestamp: 1000},
		{EventID: "e3", Kind: domain.SettlementMake, Escrow: key(77), Timestamp: 1500},
	}
	if err := store.InsertBulk(ctx, events); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	got, err := store.GetByEscrow(ctx, esc)
	if err != nil {
		t.Fatalf("GetByEscrow failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].EventID != "e1" || got[1].EventID != "e2" {
		t.Errorf("events not ordered by timestamp: %s, %s", got[0].EventID, got[1].EventID)
	}

	ranged, err := store.GetByTimeRange(ctx, 1200, 2000)
	if err != nil {
		t.Fatalf("GetByTimeRange failed: %v", err)
	}
	if len(ranged) != 2 {
		t.Errorf("expected 2 events in range, got %d", len(ranged))
	}
}

func TestSettlementEventStore_Duplicates(t *testing.T) {
	store := NewSettlementEventStore()
	ctx := context.Background()

	e := &domain.SettlementEvent{EventID: "dup", Escrow: esc}
	if err := store.Insert(ctx, e); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Insert(ctx, e); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	batch := []*domain.SettlementEvent{{EventID: "x"}, {EventID: "x"}}
	if err := store.InsertBulk(ctx, batch); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey for intra-batch duplicate, got %v", err)
	}
	if got, _ := store.GetByTimeRange(ctx, 0, 0); len(got) != 1 {
		t.Errorf("failed batch must not insert anything, store has %d events at t=0", len(got))
	}

	if err := store.Insert(ctx, &domain.SettlementEvent{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
