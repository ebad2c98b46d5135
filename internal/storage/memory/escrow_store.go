package memory

import (
	"bytes"
	"context"
	"sort"

	"token-escrow/internal/domain"
	"token-escrow/internal/storage"
)

// txEscrows implements storage.EscrowStore within one unit of work.
type txEscrows struct {
	tx *txn
}

// Insert adds a new record. Returns ErrDuplicateKey if the address or (maker, seed) exists.
func (e *txEscrows) Insert(_ context.Context, rec *domain.Escrow) error {
	if err := e.tx.check(true); err != nil {
		return err
	}
	if rec == nil || rec.Address.IsZero() {
		return storage.ErrInvalidInput
	}

	data := e.tx.s.escrows
	if _, exists := data[rec.Address]; exists {
		return storage.ErrDuplicateKey
	}
	for _, other := range data {
		if other.Maker == rec.Maker && other.Seed == rec.Seed {
			return storage.ErrDuplicateKey
		}
	}

	addr := rec.Address
	data[addr] = rec.Clone()
	e.tx.undo = append(e.tx.undo, func() { delete(data, addr) })
	return nil
}

// Get retrieves a record by address. Returns ErrNotFound if not exists.
func (e *txEscrows) Get(_ context.Context, address domain.Pubkey) (*domain.Escrow, error) {
	if err := e.tx.check(false); err != nil {
		return nil, err
	}
	rec, ok := e.tx.s.escrows[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

// Delete removes a record. Returns ErrNotFound if not exists.
func (e *txEscrows) Delete(_ context.Context, address domain.Pubkey) error {
	if err := e.tx.check(true); err != nil {
		return err
	}

	data := e.tx.s.escrows
	prev, ok := data[address]
	if !ok {
		return storage.ErrNotFound
	}
	delete(data, address)
	e.tx.undo = append(e.tx.undo, func() { data[address] = prev })
	return nil
}

// ListByMaker retrieves all open records of a maker, ordered by created_at ASC.
func (e *txEscrows) ListByMaker(_ context.Context, maker domain.Pubkey) ([]*domain.Escrow, error) {
	if err := e.tx.check(false); err != nil {
		return nil, err
	}

	var result []*domain.Escrow
	for _, rec := range e.tx.s.escrows {
		if rec.Maker == maker {
			result = append(result, rec.Clone())
		}
	}
	sortEscrows(result)
	return result, nil
}

// List retrieves all open records, ordered by created_at ASC.
func (e *txEscrows) List(_ context.Context) ([]*domain.Escrow, error) {
	if err := e.tx.check(false); err != nil {
		return nil, err
	}

	result := make([]*domain.Escrow, 0, len(e.tx.s.escrows))
	for _, rec := range e.tx.s.escrows {
		result = append(result, rec.Clone())
	}
	sortEscrows(result)
	return result, nil
}

func sortEscrows(list []*domain.Escrow) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt < list[j].CreatedAt
		}
		return bytes.Compare(list[i].Address[:], list[j].Address[:]) < 0
	})
}

var _ storage.EscrowStore = (*txEscrows)(nil)
