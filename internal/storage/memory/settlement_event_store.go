package memory

import (
	"context"
	"sort"
	"sync"

	"token-escrow/internal/domain"
	"token-escrow/internal/storage"
)

// SettlementEventStore is an in-memory implementation of storage.SettlementEventStore.
type SettlementEventStore struct {
	mu   sync.RWMutex
	data map[string]*domain.SettlementEvent // keyed by event_id
}

// NewSettlementEventStore creates a new in-memory settlement event store.
func NewSettlementEventStore() *SettlementEventStore {
	return &SettlementEventStore{
		data: make(map[string]*domain.SettlementEvent),
	}
}

// Insert adds a new event. Returns ErrDuplicateKey if exists.
func (s *SettlementEventStore) Insert(_ context.Context, e *domain.SettlementEvent) error {
	if e == nil || e.EventID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[e.EventID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *e
	s.data[e.EventID] = &copy
	return nil
}

// InsertBulk adds multiple events atomically. Fails entire batch on any duplicate.
func (s *SettlementEventStore) InsertBulk(_ context.Context, events []*domain.SettlementEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e == nil || e.EventID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := s.data[e.EventID]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[e.EventID]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[e.EventID] = struct{}{}
	}

	for _, e := range events {
		copy := *e
		s.data[e.EventID] = &copy
	}
	return nil
}

// GetByEscrow retrieves all events of an escrow address, ordered by timestamp ASC.
func (s *SettlementEventStore) GetByEscrow(_ context.Context, escrow domain.Pubkey) ([]*domain.SettlementEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SettlementEvent
	for _, e := range s.data {
		if e.Escrow == escrow {
			copy := *e
			result = append(result, &copy)
		}
	}
	sortSettlementEvents(result)
	return result, nil
}

// GetByTimeRange retrieves events within [start, end] (inclusive), ordered by timestamp ASC.
func (s *SettlementEventStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.SettlementEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SettlementEvent
	for _, e := range s.data {
		if e.Timestamp >= start && e.Timestamp <= end {
			copy := *e
			result = append(result, &copy)
		}
	}
	sortSettlementEvents(result)
	return result, nil
}

func sortSettlementEvents(events []*domain.SettlementEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].EventID < events[j].EventID
	})
}

var _ storage.SettlementEventStore = (*SettlementEventStore)(nil)
