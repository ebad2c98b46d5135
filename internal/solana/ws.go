package solana

import (
	"context"

	"token-escrow/internal/domain"
)

// WSClient defines Solana WebSocket subscription interface.
type WSClient interface {
	// SubscribeLogs subscribes to transaction logs matching the filter.
	// The channel survives reconnects and is closed by Close.
	SubscribeLogs(ctx context.Context, filter LogsFilter) (<-chan LogNotification, error)

	// Close closes the WebSocket connection.
	Close() error
}

// LogsFilter defines subscription filter for logs.
type LogsFilter struct {
	// Mentions filters logs of transactions that mention any of these accounts.
	// Empty subscribes to all transactions.
	Mentions []domain.Pubkey
}

// params renders the filter as the first logsSubscribe parameter.
func (f LogsFilter) params() map[string]any {
	if len(f.Mentions) == 0 {
		return map[string]any{"all": nil}
	}
	mentions := make([]string, len(f.Mentions))
	for i, m := range f.Mentions {
		mentions[i] = m.String()
	}
	return map[string]any{"mentions": mentions}
}

// LogNotification represents a logs subscription message.
type LogNotification struct {
	Signature string
	Slot      int64
	Logs      []string
	// Err is the transaction error, nil for a successful transaction.
	Err any
}

// Failed reports whether the transaction failed. Failed transactions change no accounts.
func (n LogNotification) Failed() bool {
	return n.Err != nil
}
