// Package escrow implements the settlement state machine: Make opens an order by
// creating an escrow record and a funded vault, Take settles it, Refund cancels it.
//
// The engine holds no locks. Each transition runs as one storage unit of work;
// the store serializes units touching the same record, so after the first Take or
// Refund commits every later one observes a missing record.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"token-escrow/internal/domain"
	"token-escrow/internal/events"
	"token-escrow/internal/observability"
	"token-escrow/internal/pda"
	"token-escrow/internal/storage"
)

// Transition names used in metrics.
const (
	transitionMake   = "make"
	transitionTake   = "take"
	transitionRefund = "refund"
)

// Options configures an Engine.
type Options struct {
	// Store hosts the record store and the ledger. Required.
	Store storage.Store

	// ProgramID namespaces escrow addresses. Defaults to domain.EscrowProgramID.
	ProgramID domain.Pubkey

	// Rent prices the storage deposits. The zero value charges nothing.
	Rent domain.RentSchedule

	// Emitter receives events of committed transitions. Defaults to events.NoopEmitter.
	Emitter events.Emitter

	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine runs Make, Take and Refund against a storage.Store.
type Engine struct {
	store     storage.Store
	programID domain.Pubkey
	rent      domain.RentSchedule
	emitter   events.Emitter
	now       func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		store:     opts.Store,
		programID: opts.ProgramID,
		rent:      opts.Rent,
		emitter:   opts.Emitter,
		now:       opts.Now,
	}
	if e.programID.IsZero() {
		e.programID = domain.EscrowProgramID
	}
	if e.emitter == nil {
		e.emitter = events.NoopEmitter{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ProgramID returns the program ID escrow addresses are derived under.
func (e *Engine) ProgramID() domain.Pubkey {
	return e.programID
}

// Rent returns the storage deposit schedule.
func (e *Engine) Rent() domain.RentSchedule {
	return e.rent
}

// MakeRequest opens an order: Deposit of MintA is locked until someone pays Receive of MintB.
type MakeRequest struct {
	Maker   domain.Pubkey
	Seed    uint64
	MintA   domain.Pubkey
	MintB   domain.Pubkey
	Deposit uint64
	Receive uint64
}

// MakeResult describes an opened order.
type MakeResult struct {
	Escrow *domain.Escrow
	Vault  *domain.Vault
}

// TakeRequest settles the order at Escrow.
type TakeRequest struct {
	Taker  domain.Pubkey
	Escrow domain.Pubkey
}

// TakeResult describes a settled order.
type TakeResult struct {
	Escrow        *domain.Escrow // the deleted record
	Paid          uint64         // MintB moved from taker to maker
	Received      uint64         // MintA moved from vault to taker
	RentReclaimed uint64         // lamports returned to the maker
}

// RefundRequest cancels the order at Escrow.
type RefundRequest struct {
	Maker  domain.Pubkey
	Escrow domain.Pubkey
}

// RefundResult describes a canceled order.
type RefundResult struct {
	Escrow        *domain.Escrow // the deleted record
	Refunded      uint64         // MintA returned from vault to maker
	RentReclaimed uint64         // lamports returned to the maker
}

// Derivation holds the addresses an order of (maker, seed) would use.
type Derivation struct {
	Escrow domain.Pubkey
	Bump   uint8
	Vault  domain.Pubkey
}

// Derive computes the escrow and vault addresses for (maker, seed, mintA).
func (e *Engine) Derive(maker domain.Pubkey, seed uint64, mintA domain.Pubkey) (Derivation, error) {
	addr, bump, err := pda.EscrowAddress(e.programID, maker, seed)
	if err != nil {
		return Derivation{}, fmt.Errorf("derive escrow address: %w", err)
	}
	vault, err := pda.VaultAddress(addr, mintA)
	if err != nil {
		return Derivation{}, fmt.Errorf("derive vault address: %w", err)
	}
	return Derivation{Escrow: addr, Bump: bump, Vault: vault}, nil
}

// Make validates the terms, creates the record and its vault, and moves the deposit
// into the vault. Either both exist funded afterwards or nothing changed.
func (e *Engine) Make(ctx context.Context, req MakeRequest) (res *MakeResult, err error) {
	defer e.observe(transitionMake, e.now(), &err)

	if req.MintA == req.MintB {
		return nil, fmt.Errorf("%w: mint_a and mint_b are both %s", ErrInvalidTerms, req.MintA)
	}
	if req.Deposit == 0 {
		return nil, fmt.Errorf("%w: deposit must be positive", ErrInvalidTerms)
	}
	if req.Receive == 0 {
		return nil, fmt.Errorf("%w: receive must be positive", ErrInvalidTerms)
	}

	d, err := e.Derive(req.Maker, req.Seed, req.MintA)
	if err != nil {
		return nil, err
	}
	escrowRent := e.rent.EscrowDeposit()
	vaultRent := e.rent.VaultDeposit()

	err = e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		records, ledger := tx.Escrows(), tx.Ledger()

		_, err := records.Get(ctx, d.Escrow)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s already holds an order of maker %s seed %d",
				ErrDuplicateOrder, d.Escrow, req.Maker, req.Seed)
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("get escrow: %w", err)
		}

		if _, err := ledger.GetCustodyAccount(ctx, d.Vault); err == nil {
			return fmt.Errorf("%w: vault %s exists without a record", ErrInvariant, d.Vault)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("get vault: %w", err)
		}

		if err := e.requireMakerFunds(ctx, ledger, req, escrowRent+vaultRent); err != nil {
			return err
		}

		rec := &domain.Escrow{
			Address:   d.Escrow,
			Seed:      req.Seed,
			Maker:     req.Maker,
			MintA:     req.MintA,
			MintB:     req.MintB,
			Receive:   req.Receive,
			Bump:      d.Bump,
			CreatedAt: e.now().UnixMilli(),
		}
		if err := records.Insert(ctx, rec); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				return fmt.Errorf("%w: %s", ErrDuplicateOrder, d.Escrow)
			}
			return fmt.Errorf("insert escrow: %w", err)
		}

		if escrowRent > 0 {
			if err := ledger.Transfer(ctx, domain.NativeMint, req.Maker, d.Escrow, escrowRent); err != nil {
				return fmt.Errorf("fund escrow account: %w", ledgerErr(err))
			}
		}

		if _, err := ledger.CreateCustodyAccount(ctx, d.Vault, d.Escrow, req.MintA, req.Maker, vaultRent); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				return fmt.Errorf("%w: vault %s exists without a record", ErrInvariant, d.Vault)
			}
			return fmt.Errorf("create vault: %w", ledgerErr(err))
		}

		if err := ledger.Transfer(ctx, req.MintA, req.Maker, d.Vault, req.Deposit); err != nil {
			return fmt.Errorf("deposit into vault: %w", ledgerErr(err))
		}

		vault, err := ledger.GetCustodyAccount(ctx, d.Vault)
		if err != nil {
			return fmt.Errorf("get vault: %w", err)
		}
		if vault.Amount != req.Deposit {
			return fmt.Errorf("%w: vault %s holds %d, deposited %d", ErrInvariant, d.Vault, vault.Amount, req.Deposit)
		}

		res = &MakeResult{Escrow: rec, Vault: vault}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emitter.Emit(&domain.SettlementEvent{
		EventID:   uuid.NewString(),
		Source:    domain.EventSourceEngine,
		Kind:      domain.SettlementMake,
		Escrow:    res.Escrow.Address,
		Maker:     res.Escrow.Maker,
		MintA:     res.Escrow.MintA,
		MintB:     res.Escrow.MintB,
		AmountA:   res.Vault.Amount,
		AmountB:   res.Escrow.Receive,
		Seed:      res.Escrow.Seed,
		Timestamp: res.Escrow.CreatedAt,
	})
	return res, nil
}

// requireMakerFunds checks that the maker can pay the deposit and the storage deposits.
func (e *Engine) requireMakerFunds(ctx context.Context, ledger storage.Ledger, req MakeRequest, rent uint64) error {
	tokens, err := ledger.BalanceOf(ctx, req.MintA, req.Maker)
	if err != nil {
		return fmt.Errorf("balance of maker: %w", err)
	}
	if tokens < req.Deposit {
		return fmt.Errorf("%w: maker %s holds %d of %s, deposit is %d",
			ErrInsufficientFunds, req.Maker, tokens, req.MintA, req.Deposit)
	}

	if rent == 0 {
		return nil
	}
	lamports := tokens
	if req.MintA != domain.NativeMint {
		if lamports, err = ledger.BalanceOf(ctx, domain.NativeMint, req.Maker); err != nil {
			return fmt.Errorf("lamports of maker: %w", err)
		}
	}
	need := rent
	if req.MintA == domain.NativeMint {
		need += req.Deposit
		if need < rent {
			return fmt.Errorf("%w: deposit plus rent exceeds any balance", ErrInsufficientFunds)
		}
	}
	if lamports < need {
		return fmt.Errorf("%w: maker %s holds %d lamports, needs %d",
			ErrInsufficientFunds, req.Maker, lamports, need)
	}
	return nil
}

// Take pays the maker Receive of MintB from the taker, pays the taker the whole vault,
// then closes the vault and deletes the record. A taker may be the maker.
func (e *Engine) Take(ctx context.Context, req TakeRequest) (res *TakeResult, err error) {
	defer e.observe(transitionTake, e.now(), &err)

	err = e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rec, vault, err := e.loadOpen(ctx, tx, req.Escrow)
		if err != nil {
			return err
		}
		ledger := tx.Ledger()

		bal, err := ledger.BalanceOf(ctx, rec.MintB, req.Taker)
		if err != nil {
			return fmt.Errorf("balance of taker: %w", err)
		}
		if bal < rec.Receive {
			return fmt.Errorf("%w: taker %s holds %d of %s, order asks %d",
				ErrInsufficientFunds, req.Taker, bal, rec.MintB, rec.Receive)
		}

		if req.Taker != rec.Maker {
			if err := ledger.Transfer(ctx, rec.MintB, req.Taker, rec.Maker, rec.Receive); err != nil {
				return fmt.Errorf("pay maker: %w", ledgerErr(err))
			}
		}
		if err := ledger.Transfer(ctx, rec.MintA, vault.Address, req.Taker, vault.Amount); err != nil {
			return fmt.Errorf("pay taker: %w", ledgerErr(err))
		}

		rent, err := e.closeOrder(ctx, tx, rec, vault)
		if err != nil {
			return err
		}

		res = &TakeResult{Escrow: rec, Paid: rec.Receive, Received: vault.Amount, RentReclaimed: rent}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emitter.Emit(&domain.SettlementEvent{
		EventID:      uuid.NewString(),
		Source:       domain.EventSourceEngine,
		Kind:         domain.SettlementTake,
		Escrow:       res.Escrow.Address,
		Maker:        res.Escrow.Maker,
		Counterparty: req.Taker,
		MintA:        res.Escrow.MintA,
		MintB:        res.Escrow.MintB,
		AmountA:      res.Received,
		AmountB:      res.Paid,
		Seed:         res.Escrow.Seed,
		Timestamp:    e.now().UnixMilli(),
	})
	return res, nil
}

// Refund returns the whole vault to the maker, then closes the vault and deletes the record.
// Only the maker may refund.
func (e *Engine) Refund(ctx context.Context, req RefundRequest) (res *RefundResult, err error) {
	defer e.observe(transitionRefund, e.now(), &err)

	err = e.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rec, err := getOpen(ctx, tx, req.Escrow)
		if err != nil {
			return err
		}
		if rec.Maker != req.Maker {
			return fmt.Errorf("%w: %s is not the maker of %s", ErrUnauthorized, req.Maker, rec.Address)
		}
		vault, err := e.checkPair(ctx, tx, rec)
		if err != nil {
			return err
		}

		if err := tx.Ledger().Transfer(ctx, rec.MintA, vault.Address, rec.Maker, vault.Amount); err != nil {
			return fmt.Errorf("return deposit: %w", ledgerErr(err))
		}

		rent, err := e.closeOrder(ctx, tx, rec, vault)
		if err != nil {
			return err
		}

		res = &RefundResult{Escrow: rec, Refunded: vault.Amount, RentReclaimed: rent}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emitter.Emit(&domain.SettlementEvent{
		EventID:   uuid.NewString(),
		Source:    domain.EventSourceEngine,
		Kind:      domain.SettlementRefund,
		Escrow:    res.Escrow.Address,
		Maker:     res.Escrow.Maker,
		MintA:     res.Escrow.MintA,
		MintB:     res.Escrow.MintB,
		AmountA:   res.Refunded,
		Seed:      res.Escrow.Seed,
		Timestamp: e.now().UnixMilli(),
	})
	return res, nil
}

// getOpen loads the record at address. A missing record means the order is closed.
func getOpen(ctx context.Context, tx storage.Tx, address domain.Pubkey) (*domain.Escrow, error) {
	rec, err := tx.Escrows().Get(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	return rec, nil
}

// loadOpen loads the record at address together with its checked vault.
func (e *Engine) loadOpen(ctx context.Context, tx storage.Tx, address domain.Pubkey) (*domain.Escrow, *domain.Vault, error) {
	rec, err := getOpen(ctx, tx, address)
	if err != nil {
		return nil, nil, err
	}
	vault, err := e.checkPair(ctx, tx, rec)
	if err != nil {
		return nil, nil, err
	}
	return rec, vault, nil
}

// checkPair verifies that rec sits at its derived address and owns a funded vault of MintA.
func (e *Engine) checkPair(ctx context.Context, tx storage.Tx, rec *domain.Escrow) (*domain.Vault, error) {
	if err := pda.VerifyEscrowAddress(e.programID, rec.Maker, rec.Seed, rec.Bump, rec.Address); err != nil {
		return nil, fmt.Errorf("%w: record %s: %v", ErrInvariant, rec.Address, err)
	}

	addr, err := pda.VaultAddress(rec.Address, rec.MintA)
	if err != nil {
		return nil, fmt.Errorf("derive vault address: %w", err)
	}
	vault, err := tx.Ledger().GetCustodyAccount(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: record %s has no vault", ErrInvariant, rec.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("get vault: %w", err)
	}
	if vault.Mint != rec.MintA || vault.Authority != rec.Address {
		return nil, fmt.Errorf("%w: vault %s is not a %s account of %s", ErrInvariant, addr, rec.MintA, rec.Address)
	}
	if vault.Amount == 0 {
		return nil, fmt.Errorf("%w: vault %s is empty while its record exists", ErrInvariant, addr)
	}
	return vault, nil
}

// closeOrder closes the drained vault, deletes the record and returns both storage
// deposits to the maker. Returns the lamports reclaimed.
func (e *Engine) closeOrder(ctx context.Context, tx storage.Tx, rec *domain.Escrow, vault *domain.Vault) (uint64, error) {
	ledger := tx.Ledger()

	closed, err := ledger.CloseCustodyAccount(ctx, vault.Address, rec.Maker)
	if err != nil {
		if errors.Is(err, storage.ErrCustodyNotEmpty) {
			return 0, fmt.Errorf("%w: vault %s not drained", ErrInvariant, vault.Address)
		}
		return 0, fmt.Errorf("close vault: %w", err)
	}

	if err := tx.Escrows().Delete(ctx, rec.Address); err != nil {
		return 0, fmt.Errorf("delete escrow: %w", err)
	}

	lamports, err := ledger.BalanceOf(ctx, domain.NativeMint, rec.Address)
	if err != nil {
		return 0, fmt.Errorf("lamports of escrow: %w", err)
	}
	if lamports > 0 {
		if err := ledger.Transfer(ctx, domain.NativeMint, rec.Address, rec.Maker, lamports); err != nil {
			return 0, fmt.Errorf("reclaim escrow rent: %w", err)
		}
	}
	return closed.RentLamports + lamports, nil
}

// ledgerErr translates a ledger shortfall into the caller-facing kind.
func ledgerErr(err error) error {
	if errors.Is(err, storage.ErrInsufficientFunds) {
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	return err
}

func (e *Engine) observe(transition string, start time.Time, errp *error) {
	result := "ok"
	if *errp != nil {
		result = KindOf(*errp)
	}
	observability.RecordTransition(transition, result, e.now().Sub(start).Seconds())
}

// Get returns the open record at address and its vault.
func (e *Engine) Get(ctx context.Context, address domain.Pubkey) (*domain.Escrow, *domain.Vault, error) {
	var (
		rec   *domain.Escrow
		vault *domain.Vault
	)
	err := e.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		rec, err = getOpen(ctx, tx, address)
		if err != nil {
			return err
		}
		vault, err = e.checkPair(ctx, tx, rec)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, vault, nil
}

// ListByMaker returns the open orders of maker, oldest first.
func (e *Engine) ListByMaker(ctx context.Context, maker domain.Pubkey) ([]*domain.Escrow, error) {
	var list []*domain.Escrow
	err := e.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		list, err = tx.Escrows().ListByMaker(ctx, maker)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	return list, nil
}

// BalanceOf returns the ledger balance of owner in mint.
func (e *Engine) BalanceOf(ctx context.Context, mint, owner domain.Pubkey) (uint64, error) {
	var bal uint64
	err := e.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		bal, err = tx.Ledger().BalanceOf(ctx, mint, owner)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	return bal, nil
}
