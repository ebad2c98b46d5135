package postgres

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-escrow/internal/domain"
	"token-escrow/internal/storage"
)

var (
	mintA = testKey(0xa1)
	mintB = testKey(0xb1)
	alice = testKey(1)
	bob   = testKey(2)
	vault = testKey(3)
	esc   = testKey(4)
)

func balanceOf(t *testing.T, store *Store, mint, owner domain.Pubkey) uint64 {
	t.Helper()
	var bal uint64
	err := store.View(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		bal, err = tx.Ledger().BalanceOf(ctx, mint, owner)
		return err
	})
	require.NoError(t, err)
	return bal
}

func TestEscrowStore_InsertGetDelete(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(pool)
	ctx := context.Background()

	rec := &domain.Escrow{
		Address:   esc,
		Seed:      math.MaxUint64,
		Maker:     alice,
		MintA:     mintA,
		MintB:     mintB,
		Receive:   math.MaxUint64 - 1,
		Bump:      254,
		CreatedAt: 1700000000000,
	}

	err := store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Escrows().Insert(ctx, rec)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		got, err := tx.Escrows().Get(ctx, esc)
		require.NoError(t, err)
		assert.Equal(t, *rec, *got)

		list, err := tx.Escrows().ListByMaker(ctx, alice)
		require.NoError(t, err)
		assert.Len(t, list, 1)
		return nil
	})
	require.NoError(t, err)

	err = store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Escrows().Delete(ctx, esc)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Escrows().Get(ctx, esc)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEscrowStore_Duplicate(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(pool)
	ctx := context.Background()

	rec := &domain.Escrow{Address: esc, Seed: 7, Maker: alice, MintA: mintA, MintB: mintB, Receive: 1}
	insert := func(e *domain.Escrow) error {
		return store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.Escrows().Insert(ctx, e)
		})
	}

	require.NoError(t, insert(rec))
	assert.ErrorIs(t, insert(rec), storage.ErrDuplicateKey)

	other := *rec
	other.Address = testKey(99)
	assert.ErrorIs(t, insert(&other), storage.ErrDuplicateKey, "same (maker, seed) must be rejected")
}

func TestEscrowStore_ViewIsReadOnly(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(pool)
	err := store.View(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.Escrows().Delete(ctx, esc)
	})
	assert.ErrorIs(t, err, storage.ErrReadOnly)
}

func TestLedger_TransferAndOverflow(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(pool)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, mintA, alice, 100))

	transfer := func(from, to domain.Pubkey, amount uint64) error {
		return store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.Ledger().Transfer(ctx, mintA, from, to, amount)
		})
	}

	require.NoError(t, transfer(alice, bob, 40))
	assert.ErrorIs(t, transfer(alice, bob, 61), storage.ErrInsufficientFunds)
	assert.ErrorIs(t, transfer(alice, bob, 0), storage.ErrInvalidInput)
	assert.ErrorIs(t, transfer(alice, alice, 1), storage.ErrInvalidInput)

	assert.Equal(t, uint64(60), balanceOf(t, store, mintA, alice))
	assert.Equal(t, uint64(40), balanceOf(t, store, mintA, bob))

	require.NoError(t, store.Credit(ctx, mintA, bob, math.MaxUint64-40))
	assert.ErrorIs(t, transfer(alice, bob, 1), storage.ErrOverflow)
	assert.Equal(t, uint64(60), balanceOf(t, store, mintA, alice), "failed transfer must roll back the debit")
	assert.Equal(t, uint64(math.MaxUint64), balanceOf(t, store, mintA, bob))
}

func TestLedger_CustodyLifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(pool)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, mintA, alice, 100))
	require.NoError(t, store.Credit(ctx, domain.NativeMint, alice, 5000))

	err := store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		v, err := tx.Ledger().CreateCustodyAccount(ctx, vault, esc, mintA, alice, 2000)
		require.NoError(t, err)
		assert.Equal(t, esc, v.Authority)
		assert.Equal(t, uint64(0), v.Amount)
		return tx.Ledger().Transfer(ctx, mintA, alice, vault, 100)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3000), balanceOf(t, store, domain.NativeMint, alice))

	err = store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Ledger().CreateCustodyAccount(ctx, vault, esc, mintA, alice, 0)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	require.NoError(t, store.Credit(ctx, mintB, bob, 5))
	err = store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Ledger().Transfer(ctx, mintB, bob, vault, 5)
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput, "custody account must reject a foreign mint")

	err = store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Ledger().CloseCustodyAccount(ctx, vault, alice)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrCustodyNotEmpty)

	err = store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Ledger().Transfer(ctx, mintA, vault, bob, 100); err != nil {
			return err
		}
		closed, err := tx.Ledger().CloseCustodyAccount(ctx, vault, alice)
		if err != nil {
			return err
		}
		assert.Equal(t, uint64(2000), closed.RentLamports)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(5000), balanceOf(t, store, domain.NativeMint, alice))
	assert.Equal(t, uint64(100), balanceOf(t, store, mintA, bob))

	err = store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Ledger().GetCustodyAccount(ctx, vault)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_RollbackOnError(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(pool)
	ctx := context.Background()
	require.NoError(t, store.Credit(ctx, mintA, alice, 100))

	boom := errors.New("boom")
	err := store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		require.NoError(t, tx.Escrows().Insert(ctx, &domain.Escrow{Address: esc, Maker: alice, MintA: mintA, MintB: mintB}))
		require.NoError(t, tx.Ledger().Transfer(ctx, mintA, alice, bob, 100))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, uint64(100), balanceOf(t, store, mintA, alice))
	assert.Equal(t, uint64(0), balanceOf(t, store, mintA, bob))
	err = store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		list, err := tx.Escrows().List(ctx)
		assert.Empty(t, list)
		return err
	})
	require.NoError(t, err)
}

func TestStore_ConcurrentDeleteOnce(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(pool)
	ctx := context.Background()

	err := store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Escrows().Insert(ctx, &domain.Escrow{Address: esc, Maker: alice, MintA: mintA, MintB: mintB})
	})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		notFound  atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
				if _, err := tx.Escrows().Get(ctx, esc); err != nil {
					return err
				}
				return tx.Escrows().Delete(ctx, esc)
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, storage.ErrNotFound):
				notFound.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(7), notFound.Load())
}
