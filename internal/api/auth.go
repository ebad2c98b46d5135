package api

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"token-escrow/internal/anchor"
	"token-escrow/internal/domain"
	"token-escrow/internal/keys"
	"token-escrow/internal/observability"
)

// Signature headers of mutating requests.
const (
	HeaderSigner    = "X-Escrow-Signer"
	HeaderTimestamp = "X-Escrow-Timestamp" // Unix milliseconds
	HeaderSignature = "X-Escrow-Signature" // base58 ed25519 signature
)

// DefaultReplayWindow bounds how far a request timestamp may be from the server clock.
const DefaultReplayWindow = 2 * time.Minute

// SigningMessage is the byte string a request signer signs:
// instruction data, then every account key, then the timestamp as le64.
func SigningMessage(ix []byte, accounts []domain.Pubkey, timestampMs int64) []byte {
	msg := make([]byte, 0, len(ix)+len(accounts)*domain.PubkeyLength+8)
	msg = append(msg, ix...)
	for _, a := range accounts {
		msg = append(msg, a[:]...)
	}
	return binary.LittleEndian.AppendUint64(msg, uint64(timestampMs))
}

// MakeInstruction returns the instruction data and accounts signed for a Make.
func MakeInstruction(req MakeRequest) ([]byte, []domain.Pubkey) {
	ix := anchor.EncodeMake(anchor.MakeArgs{Seed: req.Seed, Receive: req.Receive, Deposit: req.Deposit})
	return ix, []domain.Pubkey{req.Maker, req.MintA, req.MintB}
}

// TakeInstruction returns the instruction data and accounts signed for a Take.
func TakeInstruction(escrow domain.Pubkey, req TakeRequest) ([]byte, []domain.Pubkey) {
	return anchor.EncodeTake(), []domain.Pubkey{req.Taker, escrow}
}

// RefundInstruction returns the instruction data and accounts signed for a Refund.
func RefundInstruction(escrow domain.Pubkey, req RefundRequest) ([]byte, []domain.Pubkey) {
	return anchor.EncodeRefund(), []domain.Pubkey{req.Maker, escrow}
}

// SignRequest sets the signature headers on r.
func SignRequest(r *http.Request, kp *keys.Keypair, ix []byte, accounts []domain.Pubkey, now time.Time) {
	ts := now.UnixMilli()
	sig := kp.Sign(SigningMessage(ix, accounts, ts))
	r.Header.Set(HeaderSigner, kp.Public().String())
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderSignature, base58.Encode(sig))
}

// authError is a rejected request signature. reason labels the metric.
type authError struct {
	status int
	reason string
	msg    string
}

func (e *authError) Error() string { return e.msg }

func rejectAuth(reason, format string, args ...any) *authError {
	return &authError{status: http.StatusUnauthorized, reason: reason, msg: fmt.Sprintf(format, args...)}
}

// Authenticator verifies request signatures, rejects replays inside the window
// and throttles each signer.
type Authenticator struct {
	window  time.Duration
	limiter *SignerLimiter
	now     func() time.Time

	mu    sync.Mutex
	seen  map[string]time.Time // signature -> expiry
	calls uint64
}

// NewAuthenticator creates an Authenticator. limiter may be nil.
func NewAuthenticator(window time.Duration, limiter *SignerLimiter, now func() time.Time) *Authenticator {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Authenticator{
		window:  window,
		limiter: limiter,
		now:     now,
		seen:    make(map[string]time.Time),
	}
}

// Verify checks that r is signed by identity over (ix, accounts).
func (a *Authenticator) Verify(r *http.Request, identity domain.Pubkey, ix []byte, accounts []domain.Pubkey) error {
	signerHeader := strings.TrimSpace(r.Header.Get(HeaderSigner))
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	sigHeader := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if signerHeader == "" || tsHeader == "" || sigHeader == "" {
		return rejectAuth("missing", "missing %s, %s or %s header", HeaderSigner, HeaderTimestamp, HeaderSignature)
	}

	signer, err := domain.ParsePubkey(signerHeader)
	if err != nil {
		return rejectAuth("signer", "invalid signer: %v", err)
	}
	if signer != identity {
		return rejectAuth("signer", "signer %s does not act for %s", signer, identity)
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return rejectAuth("timestamp", "invalid timestamp: %v", err)
	}
	now := a.now()
	skew := now.Sub(time.UnixMilli(ts))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.window {
		return rejectAuth("timestamp", "timestamp outside replay window of %s", a.window)
	}

	sig, err := base58.Decode(sigHeader)
	if err != nil || !keys.Verify(signer, SigningMessage(ix, accounts, ts), sig) {
		return rejectAuth("signature", "invalid signature")
	}

	if !a.limiter.Allow(signer, now) {
		return &authError{status: http.StatusTooManyRequests, reason: "rate_limited", msg: "rate limit exceeded"}
	}

	if !a.remember(sigHeader, now) {
		return rejectAuth("replay", "signature already used")
	}
	return nil
}

// remember records sig until it can no longer pass the timestamp check.
// Returns false if sig was already recorded.
func (a *Authenticator) remember(sig string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	if a.calls%256 == 0 {
		for k, exp := range a.seen {
			if now.After(exp) {
				delete(a.seen, k)
			}
		}
	}

	if exp, ok := a.seen[sig]; ok && !now.After(exp) {
		return false
	}
	// A timestamp is accepted up to window in the future, so keep it for two windows.
	a.seen[sig] = now.Add(2 * a.window)
	return true
}

// authenticate writes the rejection and returns false if r is not properly signed.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, identity domain.Pubkey, ix []byte, accounts []domain.Pubkey) bool {
	if s.auth == nil {
		return true
	}
	err := s.auth.Verify(r, identity, ix, accounts)
	if err == nil {
		return true
	}

	ae, ok := err.(*authError)
	if !ok {
		ae = rejectAuth("internal", "%v", err)
	}
	if ae.status == http.StatusTooManyRequests {
		observability.RecordRateLimited()
		writeError(w, ae.status, KindRateLimited, ae.msg)
		return false
	}
	observability.RecordAuthFailure(ae.reason)
	writeError(w, ae.status, KindBadAuth, ae.msg)
	return false
}
