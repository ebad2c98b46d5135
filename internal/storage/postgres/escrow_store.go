package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"token-escrow/internal/domain"
	"token-escrow/internal/storage"
)

// EscrowStore implements storage.EscrowStore within one transaction.
type EscrowStore struct {
	tx       pgx.Tx
	writable bool
}

var _ storage.EscrowStore = (*EscrowStore)(nil)

const escrowColumns = `address, seed::text, maker, mint_a, mint_b, receive_amount::text, bump, created_at`

// Insert adds a new record. Returns ErrDuplicateKey if the address or (maker, seed) exists.
func (s *EscrowStore) Insert(ctx context.Context, e *domain.Escrow) error {
	if !s.writable {
		return storage.ErrReadOnly
	}
	if e == nil || e.Address.IsZero() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO escrows (address, seed, maker, mint_a, mint_b, receive_amount, bump, created_at)
		VALUES ($1, $2::numeric, $3, $4, $5, $6::numeric, $7, $8)
	`

	_, err := s.tx.Exec(ctx, query,
		e.Address.String(),
		formatU64(e.Seed),
		e.Maker.String(),
		e.MintA.String(),
		e.MintB.String(),
		formatU64(e.Receive),
		int16(e.Bump),
		e.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		if isCheckViolation(err) {
			return storage.ErrInvalidInput
		}
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

// Get retrieves a record by address and locks it for the rest of a read-write unit.
// Returns ErrNotFound if not exists.
func (s *EscrowStore) Get(ctx context.Context, address domain.Pubkey) (*domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE address = $1` + lockClause(s.writable, "")

	e, err := scanEscrow(s.tx.QueryRow(ctx, query, address.String()))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	return e, nil
}

// Delete removes a record. Returns ErrNotFound if not exists.
func (s *EscrowStore) Delete(ctx context.Context, address domain.Pubkey) error {
	if !s.writable {
		return storage.ErrReadOnly
	}

	tag, err := s.tx.Exec(ctx, `DELETE FROM escrows WHERE address = $1`, address.String())
	if err != nil {
		return fmt.Errorf("delete escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListByMaker retrieves all open records of a maker, ordered by created_at ASC.
func (s *EscrowStore) ListByMaker(ctx context.Context, maker domain.Pubkey) ([]*domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE maker = $1 ORDER BY created_at ASC, address ASC`

	rows, err := s.tx.Query(ctx, query, maker.String())
	if err != nil {
		return nil, fmt.Errorf("query escrows by maker: %w", err)
	}
	defer rows.Close()

	return scanEscrows(rows)
}

// List retrieves all open records, ordered by created_at ASC.
func (s *EscrowStore) List(ctx context.Context) ([]*domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows ORDER BY created_at ASC, address ASC`

	rows, err := s.tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query escrows: %w", err)
	}
	defer rows.Close()

	return scanEscrows(rows)
}

// scanEscrow scans a single row into domain.Escrow.
func scanEscrow(row pgx.Row) (*domain.Escrow, error) {
	var (
		address, maker, mintA, mintB string
		seed, receive                string
		bump                         int16
		e                            domain.Escrow
	)

	if err := row.Scan(&address, &seed, &maker, &mintA, &mintB, &receive, &bump, &e.CreatedAt); err != nil {
		return nil, err
	}

	var err error
	if e.Address, err = parsePubkey(address); err != nil {
		return nil, err
	}
	if e.Maker, err = parsePubkey(maker); err != nil {
		return nil, err
	}
	if e.MintA, err = parsePubkey(mintA); err != nil {
		return nil, err
	}
	if e.MintB, err = parsePubkey(mintB); err != nil {
		return nil, err
	}
	if e.Seed, err = parseU64(seed); err != nil {
		return nil, err
	}
	if e.Receive, err = parseU64(receive); err != nil {
		return nil, err
	}
	e.Bump = uint8(bump)

	return &e, nil
}

// scanEscrows scans multiple rows into a slice.
func scanEscrows(rows pgx.Rows) ([]*domain.Escrow, error) {
	var result []*domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow row: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escrow rows: %w", err)
	}
	return result, nil
}
