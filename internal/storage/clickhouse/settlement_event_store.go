package clickhouse

import (
	"context"
	"fmt"

	"token-escrow/internal/domain"
	"token-escrow/internal/storage"
)

// SettlementEventStore implements storage.SettlementEventStore using ClickHouse.
type SettlementEventStore struct {
	conn *Conn
}

// NewSettlementEventStore creates a new SettlementEventStore.
func NewSettlementEventStore(conn *Conn) *SettlementEventStore {
	return &SettlementEventStore{conn: conn}
}

// Compile-time interface check.
var _ storage.SettlementEventStore = (*SettlementEventStore)(nil)

const settlementEventColumns = `
	event_id, source, kind, escrow, maker, counterparty, mint_a, mint_b,
	amount_a, amount_b, seed, signature, slot, timestamp_ms
`

// Insert adds a new event. Returns ErrDuplicateKey if event_id exists.
func (s *SettlementEventStore) Insert(ctx context.Context, e *domain.SettlementEvent) error {
	if e == nil || e.EventID == "" {
		return storage.ErrInvalidInput
	}

	// ReplacingMergeTree would silently replace; keep append-only semantics.
	exists, err := s.exists(ctx, e.EventID)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	query := `INSERT INTO settlement_events (` + settlementEventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if err := s.conn.Exec(ctx, query, settlementEventValues(e)...); err != nil {
		return fmt.Errorf("insert settlement event: %w", err)
	}
	return nil
}

// InsertBulk adds multiple events atomically. Fails entire batch on any duplicate.
func (s *SettlementEventStore) InsertBulk(ctx context.Context, events []*domain.SettlementEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Check for intra-batch duplicates
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e == nil || e.EventID == "" {
			return storage.ErrInvalidInput
		}
		if _, dup := seen[e.EventID]; dup {
			return storage.ErrDuplicateKey
		}
		seen[e.EventID] = struct{}{}
	}

	// Check for duplicates against existing DB rows
	for _, e := range events {
		exists, err := s.exists(ctx, e.EventID)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO settlement_events (`+settlementEventColumns+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		if err := batch.Append(settlementEventValues(e)...); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByEscrow retrieves all events of an escrow address, ordered by timestamp ASC.
func (s *SettlementEventStore) GetByEscrow(ctx context.Context, escrow domain.Pubkey) ([]*domain.SettlementEvent, error) {
	query := `SELECT ` + settlementEventColumns + `
		FROM settlement_events FINAL
		WHERE escrow = ?
		ORDER BY timestamp_ms ASC, event_id ASC`

	rows, err := s.conn.Query(ctx, query, escrow.String())
	if err != nil {
		return nil, fmt.Errorf("query by escrow: %w", err)
	}
	defer rows.Close()

	return scanSettlementEvents(rows)
}

// GetByTimeRange retrieves events within [start, end] (inclusive), ordered by timestamp ASC.
func (s *SettlementEventStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.SettlementEvent, error) {
	query := `SELECT ` + settlementEventColumns + `
		FROM settlement_events FINAL
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC, event_id ASC`

	rows, err := s.conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanSettlementEvents(rows)
}

// exists checks if an event with the given ID exists.
func (s *SettlementEventStore) exists(ctx context.Context, eventID string) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx,
		`SELECT count(*) FROM settlement_events FINAL WHERE event_id = ?`, eventID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func settlementEventValues(e *domain.SettlementEvent) []any {
	return []any{
		e.EventID, string(e.Source), string(e.Kind),
		e.Escrow.String(), e.Maker.String(), e.Counterparty.String(),
		e.MintA.String(), e.MintB.String(),
		e.AmountA, e.AmountB, e.Seed,
		e.Signature, e.Slot, e.Timestamp,
	}
}

// Rows interface for scanning
type chRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanSettlementEvents scans multiple rows into a slice.
func scanSettlementEvents(rows chRows) ([]*domain.SettlementEvent, error) {
	var events []*domain.SettlementEvent

	for rows.Next() {
		var (
			e                                         domain.SettlementEvent
			source, kind                              string
			escrow, maker, counterparty, mintA, mintB string
		)
		err := rows.Scan(
			&e.EventID, &source, &kind,
			&escrow, &maker, &counterparty, &mintA, &mintB,
			&e.AmountA, &e.AmountB, &e.Seed,
			&e.Signature, &e.Slot, &e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan settlement event row: %w", err)
		}

		e.Source = domain.EventSource(source)
		e.Kind = domain.SettlementKind(kind)
		keys := []struct {
			dst *domain.Pubkey
			src string
		}{
			{&e.Escrow, escrow}, {&e.Maker, maker}, {&e.Counterparty, counterparty},
			{&e.MintA, mintA}, {&e.MintB, mintB},
		}
		for _, k := range keys {
			p, err := domain.ParsePubkey(k.src)
			if err != nil {
				return nil, fmt.Errorf("parse settlement event pubkey: %w", err)
			}
			*k.dst = p
		}

		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlement event rows: %w", err)
	}

	return events, nil
}
