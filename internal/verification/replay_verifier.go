package verification

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"token-escrow/internal/domain"
	"token-escrow/internal/pda"
	"token-escrow/internal/storage"
)

// ReplayVerifier implements Verifier by replaying settlement history.
type ReplayVerifier struct {
	store   storage.Store
	history storage.SettlementEventStore
}

// NewReplayVerifier creates a new ReplayVerifier.
func NewReplayVerifier(store storage.Store, history storage.SettlementEventStore) *ReplayVerifier {
	return &ReplayVerifier{store: store, history: history}
}

// VerifyEscrow replays the ENGINE events of address and compares the outcome with the store.
func (v *ReplayVerifier) VerifyEscrow(ctx context.Context, address domain.Pubkey) (*VerificationResult, error) {
	events, err := v.history.GetByEscrow(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", address, err)
	}

	var (
		rec   *domain.Escrow
		vault *domain.Vault
	)
	err = v.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		rec, err = tx.Escrows().Get(ctx, address)
		if errors.Is(err, storage.ErrNotFound) {
			rec = nil
			return nil
		}
		if err != nil {
			return err
		}

		vaultAddr, err := pda.VaultAddress(rec.Address, rec.MintA)
		if err != nil {
			return err
		}
		vault, err = tx.Ledger().GetCustodyAccount(ctx, vaultAddr)
		if errors.Is(err, storage.ErrNotFound) {
			vault = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load state of %s: %w", address, err)
	}

	made, replayed, divergences := replay(events)
	result := &VerificationResult{
		Escrow:      address,
		Events:      replayed,
		Open:        rec != nil,
		Divergences: divergences,
	}

	switch {
	case made == nil && rec != nil:
		result.Divergences = append(result.Divergences, FieldDivergence{Field: "record", Expected: "closed", Actual: "open"})
	case made != nil && rec == nil:
		result.Divergences = append(result.Divergences, FieldDivergence{Field: "record", Expected: "open", Actual: "closed"})
	case made != nil:
		result.Divergences = append(result.Divergences, CompareOpenEscrow(made, rec, vault)...)
	}

	result.Match = len(result.Divergences) == 0
	return result, nil
}

// VerifyAll verifies every open record plus every address with ENGINE history in [from, to].
func (v *ReplayVerifier) VerifyAll(ctx context.Context, from, to int64) (*VerificationReport, error) {
	seen := make(map[domain.Pubkey]struct{})
	var addresses []domain.Pubkey
	add := func(a domain.Pubkey) {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			addresses = append(addresses, a)
		}
	}

	var open []*domain.Escrow
	err := v.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		open, err = tx.Escrows().List(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list open escrows: %w", err)
	}
	for _, rec := range open {
		add(rec.Address)
	}

	events, err := v.history.GetByTimeRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	for _, e := range events {
		if e.Source == domain.EventSourceEngine {
			add(e.Escrow)
		}
	}

	report := &VerificationReport{Results: make([]VerificationResult, 0, len(addresses))}
	for _, addr := range addresses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := v.VerifyEscrow(ctx, addr)
		if err != nil {
			return nil, err
		}

		report.Results = append(report.Results, *result)
		report.TotalEscrows++
		if result.Match {
			report.MatchedEscrows++
		} else {
			report.DivergentEscrows++
		}
	}
	return report, nil
}

// replay walks the ENGINE events of one address in order and returns the MAKE event
// of the order still open at the end (nil if none), the number of events replayed,
// and any sequencing divergences. An address is reopened after each close, so
// within one millisecond the event that fits the current state is applied first.
func replay(events []*domain.SettlementEvent) (*domain.SettlementEvent, int, []FieldDivergence) {
	engine := make([]*domain.SettlementEvent, 0, len(events))
	for _, e := range events {
		if e.Source == domain.EventSourceEngine {
			engine = append(engine, e)
		}
	}
	sort.SliceStable(engine, func(i, j int) bool {
		return engine[i].Timestamp < engine[j].Timestamp
	})

	var (
		open        *domain.SettlementEvent
		divergences []FieldDivergence
	)
	for start := 0; start < len(engine); {
		end := start
		for end < len(engine) && engine[end].Timestamp == engine[start].Timestamp {
			end++
		}
		group := append([]*domain.SettlementEvent(nil), engine[start:end]...)

		for len(group) > 0 {
			pick := 0
			for i, e := range group {
				if fits(open, e) {
					pick = i
					break
				}
			}
			e := group[pick]
			group = append(group[:pick], group[pick+1:]...)

			if !fits(open, e) {
				divergences = append(divergences, FieldDivergence{
					Field:    "history",
					Expected: expectedKind(open),
					Actual:   fmt.Sprintf("%s %s", e.Kind, e.EventID),
				})
			}
			if e.Kind == domain.SettlementMake {
				open = e
			} else {
				open = nil
			}
		}
		start = end
	}
	return open, len(engine), divergences
}

// fits reports whether e is a valid next transition given the open MAKE event.
func fits(open, e *domain.SettlementEvent) bool {
	if e.Kind == domain.SettlementMake {
		return open == nil
	}
	return open != nil
}

func expectedKind(open *domain.SettlementEvent) string {
	if open == nil {
		return string(domain.SettlementMake)
	}
	return "TAKE or REFUND"
}
