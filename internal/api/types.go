package api

import "token-escrow/internal/domain"

// 64-bit quantities travel as decimal strings so that JavaScript clients keep full precision.

// MakeRequest is the body of POST /v1/escrows.
type MakeRequest struct {
	Maker   domain.Pubkey `json:"maker"`
	Seed    uint64        `json:"seed,string"`
	MintA   domain.Pubkey `json:"mint_a"`
	MintB   domain.Pubkey `json:"mint_b"`
	Deposit uint64        `json:"deposit,string"`
	Receive uint64        `json:"receive,string"`
}

// TakeRequest is the body of POST /v1/escrows/{address}/take.
type TakeRequest struct {
	Taker domain.Pubkey `json:"taker"`
}

// RefundRequest is the body of POST /v1/escrows/{address}/refund.
type RefundRequest struct {
	Maker domain.Pubkey `json:"maker"`
}

// EscrowResponse is an open order with its vault.
type EscrowResponse struct {
	Address   domain.Pubkey  `json:"address"`
	Seed      uint64         `json:"seed,string"`
	Maker     domain.Pubkey  `json:"maker"`
	MintA     domain.Pubkey  `json:"mint_a"`
	MintB     domain.Pubkey  `json:"mint_b"`
	Receive   uint64         `json:"receive,string"`
	Bump      uint8          `json:"bump"`
	CreatedAt int64          `json:"created_at"`
	Vault     *VaultResponse `json:"vault,omitempty"`
}

// VaultResponse is the custody account of an order.
type VaultResponse struct {
	Address      domain.Pubkey `json:"address"`
	Mint         domain.Pubkey `json:"mint"`
	Authority    domain.Pubkey `json:"authority"`
	Amount       uint64        `json:"amount,string"`
	RentLamports uint64        `json:"rent_lamports,string"`
}

// TakeResponse reports a settled order.
type TakeResponse struct {
	Escrow        domain.Pubkey `json:"escrow"`
	Paid          uint64        `json:"paid,string"`
	Received      uint64        `json:"received,string"`
	RentReclaimed uint64        `json:"rent_reclaimed,string"`
}

// RefundResponse reports a canceled order.
type RefundResponse struct {
	Escrow        domain.Pubkey `json:"escrow"`
	Refunded      uint64        `json:"refunded,string"`
	RentReclaimed uint64        `json:"rent_reclaimed,string"`
}

// BalanceResponse is a ledger balance.
type BalanceResponse struct {
	Mint   domain.Pubkey `json:"mint"`
	Owner  domain.Pubkey `json:"owner"`
	Amount uint64        `json:"amount,string"`
}

// DeriveResponse holds the addresses of a prospective order.
type DeriveResponse struct {
	Escrow domain.Pubkey `json:"escrow"`
	Bump   uint8         `json:"bump"`
	Vault  domain.Pubkey `json:"vault"`
}

// Event is the wire form of a settlement event, used by history and the live stream.
type Event struct {
	EventID      string        `json:"event_id"`
	Source       string        `json:"source"`
	Kind         string        `json:"kind"`
	Escrow       domain.Pubkey `json:"escrow"`
	Maker        domain.Pubkey `json:"maker"`
	Counterparty domain.Pubkey `json:"counterparty"`
	MintA        domain.Pubkey `json:"mint_a"`
	MintB        domain.Pubkey `json:"mint_b"`
	AmountA      uint64        `json:"amount_a,string"`
	AmountB      uint64        `json:"amount_b,string"`
	Seed         uint64        `json:"seed,string"`
	Signature    string        `json:"signature,omitempty"`
	Slot         int64         `json:"slot,omitempty"`
	Timestamp    int64         `json:"timestamp"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the error kind and describes it.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Kinds reported by the request surface itself, in addition to the settlement kinds.
const (
	KindBadRequest  = "BadRequest"
	KindBadAuth     = "BadSignature"
	KindRateLimited = "RateLimited"
	KindUnavailable = "Unavailable"
)

func toEscrowResponse(e *domain.Escrow, v *domain.Vault) *EscrowResponse {
	resp := &EscrowResponse{
		Address:   e.Address,
		Seed:      e.Seed,
		Maker:     e.Maker,
		MintA:     e.MintA,
		MintB:     e.MintB,
		Receive:   e.Receive,
		Bump:      e.Bump,
		CreatedAt: e.CreatedAt,
	}
	if v != nil {
		resp.Vault = &VaultResponse{
			Address:      v.Address,
			Mint:         v.Mint,
			Authority:    v.Authority,
			Amount:       v.Amount,
			RentLamports: v.RentLamports,
		}
	}
	return resp
}

func toEvent(e *domain.SettlementEvent) Event {
	return Event{
		EventID:      e.EventID,
		Source:       string(e.Source),
		Kind:         string(e.Kind),
		Escrow:       e.Escrow,
		Maker:        e.Maker,
		Counterparty: e.Counterparty,
		MintA:        e.MintA,
		MintB:        e.MintB,
		AmountA:      e.AmountA,
		AmountB:      e.AmountB,
		Seed:         e.Seed,
		Signature:    e.Signature,
		Slot:         e.Slot,
		Timestamp:    e.Timestamp,
	}
}
