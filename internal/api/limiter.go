package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"token-escrow/internal/domain"
)

// SignerLimiter applies a token bucket per signer and periodically evicts idle signers.
type SignerLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu       sync.Mutex
	bySigner map[domain.Pubkey]*limiterEntry
	hits     uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSignerLimiter creates a limiter; returns nil (no limiting) if rps or burst is not positive.
func NewSignerLimiter(rps float64, burst int, idleTTL time.Duration) *SignerLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &SignerLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  idleTTL,
		bySigner: make(map[domain.Pubkey]*limiterEntry),
	}
}

// Allow reports whether signer may make one more request at now.
func (l *SignerLimiter) Allow(signer domain.Pubkey, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.bySigner[signer]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.bySigner[signer] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.bySigner {
			if v.lastSeen.Before(cutoff) {
				delete(l.bySigner, k)
			}
		}
	}

	return allowed
}
