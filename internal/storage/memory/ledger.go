package memory

import (
	"context"
	"math"

	"token-escrow/internal/domain"
	"token-escrow/internal/storage"
)

// txLedger implements storage.Ledger within one unit of work.
type txLedger struct {
	tx *txn
}

// BalanceOf returns the balance of owner in mint.
func (l *txLedger) BalanceOf(_ context.Context, mint, owner domain.Pubkey) (uint64, error) {
	if err := l.tx.check(false); err != nil {
		return 0, err
	}
	return l.tx.s.balances[balanceKey{mint: mint, owner: owner}], nil
}

// Transfer moves amount of mint from one owner to another.
func (l *txLedger) Transfer(_ context.Context, mint, from, to domain.Pubkey, amount uint64) error {
	if err := l.tx.check(true); err != nil {
		return err
	}
	if amount == 0 || from == to {
		return storage.ErrInvalidInput
	}
	if !l.custodyAccepts(from, mint) || !l.custodyAccepts(to, mint) {
		return storage.ErrInvalidInput
	}

	fromKey := balanceKey{mint: mint, owner: from}
	toKey := balanceKey{mint: mint, owner: to}
	fromBal := l.tx.s.balances[fromKey]
	toBal := l.tx.s.balances[toKey]

	if fromBal < amount {
		return storage.ErrInsufficientFunds
	}
	if amount > math.MaxUint64-toBal {
		return storage.ErrOverflow
	}

	l.tx.setBalance(fromKey, fromBal-amount)
	l.tx.setBalance(toKey, toBal+amount)
	return nil
}

// CreateCustodyAccount opens a custody account and takes the rent deposit from payer.
func (l *txLedger) CreateCustodyAccount(_ context.Context, address, authority, mint, payer domain.Pubkey, rentLamports uint64) (*domain.Vault, error) {
	if err := l.tx.check(true); err != nil {
		return nil, err
	}
	if address.IsZero() || authority.IsZero() {
		return nil, storage.ErrInvalidInput
	}

	custody := l.tx.s.custody
	if _, exists := custody[address]; exists {
		return nil, storage.ErrDuplicateKey
	}

	if rentLamports > 0 {
		payerKey := balanceKey{mint: domain.NativeMint, owner: payer}
		bal := l.tx.s.balances[payerKey]
		if bal < rentLamports {
			return nil, storage.ErrInsufficientFunds
		}
		l.tx.setBalance(payerKey, bal-rentLamports)
	}

	v := &domain.Vault{
		Address:      address,
		Mint:         mint,
		Authority:    authority,
		RentLamports: rentLamports,
		RentPayer:    payer,
	}
	custody[address] = v
	l.tx.undo = append(l.tx.undo, func() { delete(custody, address) })

	return l.withAmount(v), nil
}

// GetCustodyAccount retrieves a custody account with its current amount.
func (l *txLedger) GetCustodyAccount(_ context.Context, address domain.Pubkey) (*domain.Vault, error) {
	if err := l.tx.check(false); err != nil {
		return nil, err
	}
	v, ok := l.tx.s.custody[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return l.withAmount(v), nil
}

// CloseCustodyAccount removes an empty custody account and returns its deposit to rentTo.
func (l *txLedger) CloseCustodyAccount(_ context.Context, address, rentTo domain.Pubkey) (*domain.Vault, error) {
	if err := l.tx.check(true); err != nil {
		return nil, err
	}

	custody := l.tx.s.custody
	v, ok := custody[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if l.tx.s.balances[balanceKey{mint: v.Mint, owner: address}] > 0 {
		return nil, storage.ErrCustodyNotEmpty
	}

	if v.RentLamports > 0 {
		rentKey := balanceKey{mint: domain.NativeMint, owner: rentTo}
		bal := l.tx.s.balances[rentKey]
		if v.RentLamports > math.MaxUint64-bal {
			return nil, storage.ErrOverflow
		}
		l.tx.setBalance(rentKey, bal+v.RentLamports)
	}

	delete(custody, address)
	l.tx.undo = append(l.tx.undo, func() { custody[address] = v })

	closed := *v
	return &closed, nil
}

// custodyAccepts reports whether owner may hold mint: any non-custody owner may,
// a custody account only for its own mint.
func (l *txLedger) custodyAccepts(owner, mint domain.Pubkey) bool {
	v, ok := l.tx.s.custody[owner]
	return !ok || v.Mint == mint
}

func (l *txLedger) withAmount(v *domain.Vault) *domain.Vault {
	c := *v
	c.Amount = l.tx.s.balances[balanceKey{mint: v.Mint, owner: v.Address}]
	return &c
}

var _ storage.Ledger = (*txLedger)(nil)
