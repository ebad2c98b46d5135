// Package stub provides an in-memory solana.RPCClient for tests.
package stub

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"token-escrow/internal/domain"
	"token-escrow/internal/solana"
)

// RPCClient implements solana.RPCClient over an in-memory account set.
type RPCClient struct {
	mu           sync.Mutex
	accounts     map[domain.Pubkey]solana.AccountInfo
	transactions map[string]*solana.Transaction
	slot         int64

	// Err, if set, is returned by every call.
	Err error
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		accounts:     make(map[domain.Pubkey]solana.AccountInfo),
		transactions: make(map[string]*solana.Transaction),
	}
}

// SetAccount creates or replaces an account.
func (c *RPCClient) SetAccount(address domain.Pubkey, info solana.AccountInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[address] = info
}

// DeleteAccount removes an account.
func (c *RPCClient) DeleteAccount(address domain.Pubkey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts, address)
}

// AddTransaction adds a transaction to the stub store.
func (c *RPCClient) AddTransaction(tx *solana.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactions[tx.Signature] = tx
}

// SetSlot sets the slot returned by GetSlot.
func (c *RPCClient) SetSlot(slot int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot = slot
}

// GetAccountInfo returns the account at address, or nil.
func (c *RPCClient) GetAccountInfo(_ context.Context, address domain.Pubkey) (*solana.AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	info, ok := c.accounts[address]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// GetProgramAccounts applies the dataSize and memcmp filters to accounts owned by program.
// Results are ordered by address.
func (c *RPCClient) GetProgramAccounts(_ context.Context, program domain.Pubkey, opts *solana.ProgramAccountsOpts) ([]solana.KeyedAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}

	var out []solana.KeyedAccount
	for address, info := range c.accounts {
		if info.Owner != program || !matches(info.Data, opts) {
			continue
		}
		out = append(out, solana.KeyedAccount{Address: address, Account: info})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out, nil
}

func matches(data []byte, opts *solana.ProgramAccountsOpts) bool {
	if opts == nil {
		return true
	}
	if opts.DataSize > 0 && uint64(len(data)) != opts.DataSize {
		return false
	}
	for _, m := range opts.Memcmp {
		end := m.Offset + uint64(len(m.Bytes))
		if end > uint64(len(data)) || !bytes.Equal(data[m.Offset:end], m.Bytes) {
			return false
		}
	}
	return true
}

// GetSlot returns the slot set with SetSlot.
func (c *RPCClient) GetSlot(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot, c.Err
}

// GetTransaction returns a transaction added with AddTransaction, or nil.
func (c *RPCClient) GetTransaction(_ context.Context, signature string) (*solana.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	return c.transactions[signature], nil
}
