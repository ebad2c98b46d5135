package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"token-escrow/internal/domain"
	"token-escrow/internal/storage"
)

// Ledger implements storage.Ledger within one transaction.
// Balances live in token_balances, custody metadata in custody_accounts;
// a custody account's token amount is its token_balances row.
type Ledger struct {
	tx       pgx.Tx
	writable bool
}

var _ storage.Ledger = (*Ledger)(nil)

// BalanceOf returns the balance of owner in mint.
func (l *Ledger) BalanceOf(ctx context.Context, mint, owner domain.Pubkey) (uint64, error) {
	var amount string
	err := l.tx.QueryRow(ctx,
		`SELECT amount::text FROM token_balances WHERE mint = $1 AND owner = $2`,
		mint.String(), owner.String(),
	).Scan(&amount)
	if err != nil {
		if isNotFoundError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return parseU64(amount)
}

// Transfer moves amount of mint from one owner to another.
func (l *Ledger) Transfer(ctx context.Context, mint, from, to domain.Pubkey, amount uint64) error {
	if !l.writable {
		return storage.ErrReadOnly
	}
	if amount == 0 || from == to {
		return storage.ErrInvalidInput
	}
	if err := l.checkCustodyMint(ctx, mint, from, to); err != nil {
		return err
	}
	if err := debit(ctx, l.tx, mint, from, amount); err != nil {
		return err
	}
	return credit(ctx, l.tx, mint, to, amount)
}

// CreateCustodyAccount opens a custody account and takes the rent deposit from payer.
func (l *Ledger) CreateCustodyAccount(ctx context.Context, address, authority, mint, payer domain.Pubkey, rentLamports uint64) (*domain.Vault, error) {
	if !l.writable {
		return nil, storage.ErrReadOnly
	}
	if address.IsZero() || authority.IsZero() {
		return nil, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO custody_accounts (address, mint, authority, rent_lamports, rent_payer)
		VALUES ($1, $2, $3, $4::numeric, $5)
	`
	_, err := l.tx.Exec(ctx, query,
		address.String(), mint.String(), authority.String(), formatU64(rentLamports), payer.String(),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, storage.ErrDuplicateKey
		}
		return nil, fmt.Errorf("insert custody account: %w", err)
	}

	if rentLamports > 0 {
		if err := debit(ctx, l.tx, domain.NativeMint, payer, rentLamports); err != nil {
			return nil, err
		}
	}

	return l.GetCustodyAccount(ctx, address)
}

// GetCustodyAccount retrieves a custody account with its current amount.
func (l *Ledger) GetCustodyAccount(ctx context.Context, address domain.Pubkey) (*domain.Vault, error) {
	query := `
		SELECT c.address, c.mint, c.authority, c.rent_lamports::text, c.rent_payer,
		       COALESCE(b.amount, 0)::text
		FROM custody_accounts c
		LEFT JOIN token_balances b ON b.mint = c.mint AND b.owner = c.address
		WHERE c.address = $1` + lockClause(l.writable, "c")

	var addr, mint, authority, rent, payer, amount string
	err := l.tx.QueryRow(ctx, query, address.String()).Scan(&addr, &mint, &authority, &rent, &payer, &amount)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get custody account: %w", err)
	}

	v := &domain.Vault{}
	if v.Address, err = parsePubkey(addr); err != nil {
		return nil, err
	}
	if v.Mint, err = parsePubkey(mint); err != nil {
		return nil, err
	}
	if v.Authority, err = parsePubkey(authority); err != nil {
		return nil, err
	}
	if v.RentPayer, err = parsePubkey(payer); err != nil {
		return nil, err
	}
	if v.RentLamports, err = parseU64(rent); err != nil {
		return nil, err
	}
	if v.Amount, err = parseU64(amount); err != nil {
		return nil, err
	}
	return v, nil
}

// CloseCustodyAccount removes an empty custody account and returns its deposit to rentTo.
func (l *Ledger) CloseCustodyAccount(ctx context.Context, address, rentTo domain.Pubkey) (*domain.Vault, error) {
	if !l.writable {
		return nil, storage.ErrReadOnly
	}

	v, err := l.GetCustodyAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	if v.Amount > 0 {
		return nil, storage.ErrCustodyNotEmpty
	}

	if _, err := l.tx.Exec(ctx, `DELETE FROM custody_accounts WHERE address = $1`, address.String()); err != nil {
		return nil, fmt.Errorf("delete custody account: %w", err)
	}
	if _, err := l.tx.Exec(ctx,
		`DELETE FROM token_balances WHERE mint = $1 AND owner = $2 AND amount = 0`,
		v.Mint.String(), address.String(),
	); err != nil {
		return nil, fmt.Errorf("delete custody balance: %w", err)
	}

	if v.RentLamports > 0 {
		if err := credit(ctx, l.tx, domain.NativeMint, rentTo, v.RentLamports); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// checkCustodyMint rejects transfers that would put a foreign mint into a custody account.
func (l *Ledger) checkCustodyMint(ctx context.Context, mint, from, to domain.Pubkey) error {
	rows, err := l.tx.Query(ctx,
		`SELECT mint FROM custody_accounts WHERE address IN ($1, $2)`,
		from.String(), to.String(),
	)
	if err != nil {
		return fmt.Errorf("query custody accounts: %w", err)
	}
	defer rows.Close()

	want := mint.String()
	for rows.Next() {
		var custodyMint string
		if err := rows.Scan(&custodyMint); err != nil {
			return fmt.Errorf("scan custody mint: %w", err)
		}
		if custodyMint != want {
			return storage.ErrInvalidInput
		}
	}
	return rows.Err()
}

// debit subtracts amount only if the balance covers it.
func debit(ctx context.Context, tx pgx.Tx, mint, owner domain.Pubkey, amount uint64) error {
	query := `
		UPDATE token_balances SET amount = amount - $3::numeric
		WHERE mint = $1 AND owner = $2 AND amount >= $3::numeric
	`
	tag, err := tx.Exec(ctx, query, mint.String(), owner.String(), formatU64(amount))
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrInsufficientFunds
	}
	return nil
}

// credit adds amount, creating the balance row if needed.
// The amount range CHECK turns uint64 overflow into ErrOverflow.
func credit(ctx context.Context, tx pgx.Tx, mint, owner domain.Pubkey, amount uint64) error {
	query := `
		INSERT INTO token_balances (mint, owner, amount) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (mint, owner) DO UPDATE SET amount = token_balances.amount + EXCLUDED.amount
	`
	_, err := tx.Exec(ctx, query, mint.String(), owner.String(), formatU64(amount))
	if err != nil {
		if isCheckViolation(err) {
			return storage.ErrOverflow
		}
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}
