// Package chainwatch mirrors the escrow accounts of a deployed program and
// reports their transitions as settlement events.
//
// The watcher keeps a snapshot of every escrow account the program owns. Each
// program log notification (and each periodic resync) triggers a fresh
// snapshot; accounts that appeared are reported as MAKE, accounts that
// vanished as TAKE or REFUND according to the instruction named in the logs,
// or CLOSE when the closing instruction is unknown.
package chainwatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"token-escrow/internal/anchor"
	"token-escrow/internal/domain"
	"token-escrow/internal/events"
	"token-escrow/internal/idhash"
	"token-escrow/internal/observability"
	"token-escrow/internal/solana"
)

// DefaultResyncInterval is how often the watcher re-snapshots without a notification.
const DefaultResyncInterval = time.Minute

const instructionLogPrefix = "Program log: Instruction: "

// Options configures a Watcher.
type Options struct {
	// RPC fetches account snapshots. Required.
	RPC solana.RPCClient

	// WS delivers program log notifications. Nil relies on periodic resyncs only.
	WS solana.WSClient

	ProgramID domain.Pubkey

	// Emitter receives events with Source CHAIN.
	Emitter events.Emitter

	// Resync is the periodic re-snapshot interval. Zero uses DefaultResyncInterval; negative disables.
	Resync time.Duration

	Logger *log.Logger
	Now    func() time.Time
}

// Watcher mirrors the program's escrow accounts.
type Watcher struct {
	rpc       solana.RPCClient
	ws        solana.WSClient
	programID domain.Pubkey
	emitter   events.Emitter
	resync    time.Duration
	logger    *log.Logger
	now       func() time.Time

	mu       sync.Mutex
	accounts map[domain.Pubkey]*Account
	synced   bool
	lastSync time.Time
}

// NewWatcher creates a Watcher.
func NewWatcher(opts Options) *Watcher {
	w := &Watcher{
		rpc:       opts.RPC,
		ws:        opts.WS,
		programID: opts.ProgramID,
		emitter:   opts.Emitter,
		resync:    opts.Resync,
		logger:    opts.Logger,
		now:       opts.Now,
		accounts:  make(map[domain.Pubkey]*Account),
	}
	if w.programID.IsZero() {
		w.programID = domain.EscrowProgramID
	}
	if w.emitter == nil {
		w.emitter = events.NoopEmitter{}
	}
	if w.resync == 0 {
		w.resync = DefaultResyncInterval
	}
	if w.logger == nil {
		w.logger = log.New(log.Writer(), "[chainwatch] ", log.LstdFlags)
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Snapshot fetches every escrow account of the program. Accounts whose data does
// not decode or whose bump does not re-derive their address are skipped.
func (w *Watcher) Snapshot(ctx context.Context) (map[domain.Pubkey]*Account, error) {
	keyed, err := w.rpc.GetProgramAccounts(ctx, w.programID, &solana.ProgramAccountsOpts{
		Memcmp: []solana.MemcmpFilter{{Offset: 0, Bytes: anchor.EscrowDiscriminator[:]}},
	})
	if err != nil {
		return nil, fmt.Errorf("get program accounts: %w", err)
	}

	out := make(map[domain.Pubkey]*Account, len(keyed))
	for i := range keyed {
		ka := &keyed[i]
		rec, err := decodeEscrow(w.programID, ka.Address, &ka.Account)
		if err != nil {
			w.logger.Printf("skip account %s: %v", ka.Address, err)
			continue
		}
		vault, err := fetchVault(ctx, w.rpc, rec)
		if err != nil {
			return nil, err
		}
		out[ka.Address] = &Account{Escrow: rec, Vault: vault}
	}
	return out, nil
}

// Sync re-snapshots the program and emits the difference to the previous snapshot.
// signature and logs identify the transaction that triggered the sync, if any.
// The first Sync reports every open account as MAKE.
func (w *Watcher) Sync(ctx context.Context, signature string, slot int64, logs []string) (int, error) {
	snap, err := w.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	if slot == 0 {
		// Resyncs have no transaction; date their events by the current slot.
		if s, err := w.rpc.GetSlot(ctx); err == nil {
			slot = s
		}
	}
	ts := w.timestamp(ctx, signature)

	w.mu.Lock()
	prev := w.accounts
	w.accounts = snap
	w.synced = true
	w.lastSync = w.now()
	w.mu.Unlock()

	observability.RecordChainSnapshot(len(snap), w.now().Unix())

	evts := diff(prev, snap, closeKind(logs), signature, slot, ts)
	for _, e := range evts {
		w.emitter.Emit(e)
	}
	return len(evts), nil
}

// timestamp returns the block time of signature in ms, or now if unknown.
func (w *Watcher) timestamp(ctx context.Context, signature string) int64 {
	if signature != "" {
		tx, err := w.rpc.GetTransaction(ctx, signature)
		if err != nil {
			w.logger.Printf("get transaction %s: %v", signature, err)
		} else if tx != nil && tx.BlockTime > 0 {
			return tx.BlockTime * 1000
		}
	}
	return w.now().UnixMilli()
}

// diff turns the change between two snapshots into events ordered by kind, then address.
func diff(prev, next map[domain.Pubkey]*Account, closed domain.SettlementKind, signature string, slot, ts int64) []*domain.SettlementEvent {
	var opened, gone []*Account
	for addr, acc := range next {
		if old, ok := prev[addr]; !ok || *old.Escrow != *acc.Escrow {
			opened = append(opened, acc)
		}
	}
	for addr, acc := range prev {
		if cur, ok := next[addr]; !ok || *cur.Escrow != *acc.Escrow {
			gone = append(gone, acc)
		}
	}
	sortAccounts(opened)
	sortAccounts(gone)

	out := make([]*domain.SettlementEvent, 0, len(opened)+len(gone))
	for _, acc := range gone {
		e := chainEvent(acc, closed, signature, slot, ts)
		e.EventID = idhash.ComputeChainEventID(acc.Escrow.Address, closed, signature, slot)
		if closed == domain.SettlementTake {
			e.AmountB = acc.Escrow.Receive
		}
		out = append(out, e)
	}
	for _, acc := range opened {
		e := chainEvent(acc, domain.SettlementMake, signature, slot, ts)
		e.EventID = idhash.ComputeOpenEventID(acc.Escrow)
		e.AmountB = acc.Escrow.Receive
		out = append(out, e)
	}
	return out
}

func chainEvent(acc *Account, kind domain.SettlementKind, signature string, slot, ts int64) *domain.SettlementEvent {
	e := &domain.SettlementEvent{
		Source:    domain.EventSourceChain,
		Kind:      kind,
		Escrow:    acc.Escrow.Address,
		Maker:     acc.Escrow.Maker,
		MintA:     acc.Escrow.MintA,
		MintB:     acc.Escrow.MintB,
		Seed:      acc.Escrow.Seed,
		Signature: signature,
		Slot:      slot,
		Timestamp: ts,
	}
	if acc.Vault != nil {
		e.AmountA = acc.Vault.Amount
	}
	return e
}

func sortAccounts(list []*Account) {
	sort.Slice(list, func(i, j int) bool {
		return bytes.Compare(list[i].Escrow.Address[:], list[j].Escrow.Address[:]) < 0
	})
}

// closeKind reads the instruction names from program logs. A transaction that
// ran exactly one of take and refund closed its accounts with that instruction.
func closeKind(logs []string) domain.SettlementKind {
	var take, refund bool
	for _, line := range logs {
		name, ok := strings.CutPrefix(line, instructionLogPrefix)
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case anchor.InstructionTake:
			take = true
		case anchor.InstructionRefund:
			refund = true
		}
	}
	switch {
	case take && !refund:
		return domain.SettlementTake
	case refund && !take:
		return domain.SettlementRefund
	default:
		return domain.SettlementClose
	}
}

// Run syncs once, then on every log notification and resync tick until ctx is done.
// Sync failures are logged and retried on the next trigger.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.Sync(ctx, "", 0, nil); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Printf("initial sync: %v", err)
	}

	var notifications <-chan solana.LogNotification
	if w.ws != nil {
		ch, err := w.ws.SubscribeLogs(ctx, solana.LogsFilter{Mentions: []domain.Pubkey{w.programID}})
		if err != nil {
			return fmt.Errorf("subscribe program logs: %w", err)
		}
		notifications = ch
		w.logger.Printf("subscribed to program %s", w.programID)
	}

	var tick <-chan time.Time
	if w.resync > 0 {
		ticker := time.NewTicker(w.resync)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notifications:
			if !ok {
				return errors.New("log subscription closed")
			}
			if n.Failed() {
				continue
			}
			w.sync(ctx, n.Signature, n.Slot, n.Logs)
		case <-tick:
			w.sync(ctx, "", 0, nil)
		}
	}
}

func (w *Watcher) sync(ctx context.Context, signature string, slot int64, logs []string) {
	n, err := w.Sync(ctx, signature, slot, logs)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Printf("sync %s: %v", signature, err)
		}
		return
	}
	if n > 0 {
		w.logger.Printf("sync %s: %d events", signature, n)
	}
}

// Accounts returns the escrow accounts of the latest snapshot ordered by address.
func (w *Watcher) Accounts() []*Account {
	w.mu.Lock()
	out := make([]*Account, 0, len(w.accounts))
	for _, acc := range w.accounts {
		out = append(out, acc)
	}
	w.mu.Unlock()
	sortAccounts(out)
	return out
}

// Status reports the mirror state for the daemon's /status endpoint.
func (w *Watcher) Status() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := map[string]any{
		"chain_program":  w.programID.String(),
		"chain_synced":   w.synced,
		"chain_accounts": len(w.accounts),
	}
	if w.synced {
		st["chain_last_sync"] = w.lastSync.UTC().Format(time.RFC3339)
	}
	return st
}
