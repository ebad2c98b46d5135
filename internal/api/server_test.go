package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-escrow/internal/anchor"
	"token-escrow/internal/domain"
	"token-escrow/internal/escrow"
	"token-escrow/internal/events"
	"token-escrow/internal/keys"
	"token-escrow/internal/storage/memory"
	"token-escrow/internal/verification"
)

func mint(b byte) domain.Pubkey {
	var p domain.Pubkey
	p[0] = b
	p[31] = 0x5a
	return p
}

var (
	mintA = mint(10)
	mintB = mint(11)
)

func testKeypair(t *testing.T, b byte) *keys.Keypair {
	t.Helper()
	kp, err := keys.FromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return kp
}

type apiFixture struct {
	t       *testing.T
	ctx     context.Context
	store   *memory.Store
	history *memory.SettlementEventStore
	hub     *Hub
	server  *httptest.Server
	maker   *keys.Keypair
	taker   *keys.Keypair
}

func newAPIFixture(t *testing.T, limiter *SignerLimiter) *apiFixture {
	t.Helper()

	store := memory.NewStore()
	history := memory.NewSettlementEventStore()
	logger := log.New(io.Discard, "", 0)
	hub := NewHub(nil, logger)

	engine := escrow.NewEngine(escrow.Options{
		Store: store,
		Rent:  domain.DefaultRentSchedule,
		Emitter: events.Multi{
			events.EmitterFunc(func(e *domain.SettlementEvent) {
				history.Insert(context.Background(), e)
			}),
			hub,
		},
	})
	srv := NewServer(Options{
		Engine:  engine,
		History:  history,
		Hub:      hub,
		Verifier: verification.NewReplayVerifier(store, history),
		Auth:     NewAuthenticator(time.Minute, limiter, nil),
		Logger:   logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})

	f := &apiFixture{
		t:       t,
		ctx:     context.Background(),
		store:   store,
		history: history,
		hub:     hub,
		server:  ts,
		maker:   testKeypair(t, 1),
		taker:   testKeypair(t, 2),
	}
	f.fund(mintA, f.maker.Public(), 1_000)
	f.fund(domain.NativeMint, f.maker.Public(), 1_000_000_000)
	f.fund(mintB, f.taker.Public(), 2_000)
	return f
}

func (f *apiFixture) fund(mint, owner domain.Pubkey, amount uint64) {
	f.t.Helper()
	require.NoError(f.t, f.store.Credit(f.ctx, mint, owner, amount))
}

func (f *apiFixture) client(kp *keys.Keypair, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithKeypair(kp), WithMaxRetries(0)}, opts...)
	return NewClient(f.server.URL, opts...)
}

func (f *apiFixture) makeOrder(seed uint64) *EscrowResponse {
	f.t.Helper()
	resp, err := f.client(f.maker).Make(f.ctx, MakeRequest{
		Maker:   f.maker.Public(),
		Seed:    seed,
		MintA:   mintA,
		MintB:   mintB,
		Deposit: 100,
		Receive: 250,
	})
	require.NoError(f.t, err)
	return resp
}

// post sends a raw signed request and returns the status and decoded error kind.
func (f *apiFixture) post(path string, body any, sign func(*http.Request)) (int, string) {
	f.t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(f.t, err)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(payload))
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	if sign != nil {
		sign(req)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var er ErrorResponse
	json.NewDecoder(resp.Body).Decode(&er)
	return resp.StatusCode, er.Error.Kind
}

func TestServer_MakeTakeFlow(t *testing.T) {
	f := newAPIFixture(t, nil)
	makerClient := f.client(f.maker)
	takerClient := f.client(f.taker)

	d, err := makerClient.Derive(f.ctx, f.maker.Public(), 7, mintA)
	require.NoError(t, err)

	order := f.makeOrder(7)
	assert.Equal(t, d.Escrow, order.Address)
	require.NotNil(t, order.Vault)
	assert.Equal(t, d.Vault, order.Vault.Address)
	assert.Equal(t, uint64(100), order.Vault.Amount)
	assert.Equal(t, uint64(250), order.Receive)

	got, err := takerClient.Get(f.ctx, order.Address)
	require.NoError(t, err)
	assert.Equal(t, order.Address, got.Address)

	list, err := makerClient.ListByMaker(f.ctx, f.maker.Public())
	require.NoError(t, err)
	require.Len(t, list, 1)

	res, err := takerClient.Take(f.ctx, order.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), res.Paid)
	assert.Equal(t, uint64(100), res.Received)
	assert.NotZero(t, res.RentReclaimed)

	bal, err := takerClient.Balance(f.ctx, mintA, f.taker.Public())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bal)
	bal, err = makerClient.Balance(f.ctx, mintB, f.maker.Public())
	require.NoError(t, err)
	assert.Equal(t, uint64(250), bal)
	lamports, err := makerClient.Balance(f.ctx, domain.NativeMint, f.maker.Public())
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_000), lamports)

	_, err = takerClient.Get(f.ctx, order.Address)
	assert.ErrorIs(t, err, escrow.ErrOrderNotFound)

	history, err := takerClient.Events(f.ctx, order.Address)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "MAKE", history[0].Kind)
	assert.Equal(t, "TAKE", history[1].Kind)
	assert.Equal(t, f.taker.Public(), history[1].Counterparty)
}

func TestServer_Refund(t *testing.T) {
	f := newAPIFixture(t, nil)
	order := f.makeOrder(1)

	_, err := f.client(f.taker).Refund(f.ctx, order.Address)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)

	res, err := f.client(f.maker).Refund(f.ctx, order.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Refunded)

	_, err = f.client(f.taker).Take(f.ctx, order.Address)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestServer_StatusMapping(t *testing.T) {
	f := newAPIFixture(t, nil)
	c := f.client(f.maker)

	cases := []struct {
		name   string
		req    MakeRequest
		status int
		kind   string
	}{
		{"zero deposit", MakeRequest{Seed: 1, MintA: mintA, MintB: mintB, Deposit: 0, Receive: 1}, http.StatusBadRequest, escrow.KindInvalidTerms},
		{"same mint", MakeRequest{Seed: 1, MintA: mintA, MintB: mintA, Deposit: 1, Receive: 1}, http.StatusBadRequest, escrow.KindInvalidTerms},
		{"underfunded", MakeRequest{Seed: 1, MintA: mintA, MintB: mintB, Deposit: 5_000, Receive: 1}, http.StatusUnprocessableEntity, escrow.KindInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.Maker = f.maker.Public()
			_, err := c.Make(f.ctx, tc.req)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.status, apiErr.Status)
			assert.Equal(t, tc.kind, apiErr.Kind)
		})
	}

	f.makeOrder(3)
	_, err := c.Make(f.ctx, MakeRequest{Maker: f.maker.Public(), Seed: 3, MintA: mintA, MintB: mintB, Deposit: 1, Receive: 1})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.ErrorIs(t, err, escrow.ErrDuplicateOrder)
}

func TestServer_BadRequests(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/v1/escrows/not-a-key")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/v1/balances/" + f.maker.Public().String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing mint")

	status, kind := f.post("/v1/escrows", map[string]any{"maker": f.maker.Public(), "bogus": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, KindBadRequest, kind)
}

func TestServer_RejectsBadSignatures(t *testing.T) {
	f := newAPIFixture(t, nil)
	req := RefundRequest{Maker: f.maker.Public()}
	escrowAddr := mint(99)
	path := "/v1/escrows/" + escrowAddr.String() + "/refund"
	ix, accounts := RefundInstruction(escrowAddr, req)

	status, kind := f.post(path, req, nil)
	assert.Equal(t, http.StatusUnauthorized, status, "unsigned")
	assert.Equal(t, KindBadAuth, kind)

	status, _ = f.post(path, req, func(r *http.Request) {
		SignRequest(r, f.taker, ix, accounts, time.Now())
	})
	assert.Equal(t, http.StatusUnauthorized, status, "signed by someone else")

	status, _ = f.post(path, req, func(r *http.Request) {
		SignRequest(r, f.maker, ix, accounts, time.Now().Add(-10*time.Minute))
	})
	assert.Equal(t, http.StatusUnauthorized, status, "stale timestamp")

	status, _ = f.post(path, req, func(r *http.Request) {
		SignRequest(r, f.maker, anchor.EncodeTake(), accounts, time.Now())
	})
	assert.Equal(t, http.StatusUnauthorized, status, "signature over another instruction")

	ts := time.Now()
	sign := func(r *http.Request) { SignRequest(r, f.maker, ix, accounts, ts) }
	status, kind = f.post(path, req, sign)
	assert.Equal(t, http.StatusNotFound, status, "valid signature reaches the engine")
	assert.Equal(t, escrow.KindOrderNotFound, kind)

	status, _ = f.post(path, req, sign)
	assert.Equal(t, http.StatusUnauthorized, status, "replayed signature")
}

func TestServer_RateLimitsSigner(t *testing.T) {
	f := newAPIFixture(t, NewSignerLimiter(0.001, 1, time.Minute))
	req := RefundRequest{Maker: f.maker.Public()}
	escrowAddr := mint(98)
	path := "/v1/escrows/" + escrowAddr.String() + "/refund"
	ix, accounts := RefundInstruction(escrowAddr, req)

	now := time.Now()
	status, _ := f.post(path, req, func(r *http.Request) { SignRequest(r, f.maker, ix, accounts, now) })
	assert.Equal(t, http.StatusNotFound, status)

	status, kind := f.post(path, req, func(r *http.Request) {
		SignRequest(r, f.maker, ix, accounts, now.Add(time.Millisecond))
	})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, KindRateLimited, kind)

	// Other signers have their own bucket.
	takeReq := TakeRequest{Taker: f.taker.Public()}
	tix, taccounts := TakeInstruction(escrowAddr, takeReq)
	status, _ = f.post("/v1/escrows/"+escrowAddr.String()+"/take", takeReq, func(r *http.Request) {
		SignRequest(r, f.taker, tix, taccounts, now)
	})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_EventsWithoutHistory(t *testing.T) {
	engine := escrow.NewEngine(escrow.Options{Store: memory.NewStore()})
	srv := NewServer(Options{Engine: engine, Logger: log.New(io.Discard, "", 0)})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/escrows/"+mint(1).String()+"/events", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/verify", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "running", status.Status)
	assert.Equal(t, domain.EscrowProgramID, status.ProgramID)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "abc")
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Header().Get(headerRequestID))
}

func TestServer_Verify(t *testing.T) {
	f := newAPIFixture(t, nil)
	c := f.client(nil)

	open := f.makeOrder(1)
	taken := f.makeOrder(2)
	_, err := f.client(f.taker).Take(f.ctx, taken.Address)
	require.NoError(t, err)

	res, err := c.Verify(f.ctx, open.Address)
	require.NoError(t, err)
	assert.True(t, res.Match)
	assert.True(t, res.Open)
	assert.Equal(t, 1, res.Events)

	res, err = c.Verify(f.ctx, taken.Address)
	require.NoError(t, err)
	assert.True(t, res.Match)
	assert.False(t, res.Open)
	assert.Equal(t, 2, res.Events)

	report, err := c.VerifyAll(f.ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalEscrows)
	assert.Equal(t, 2, report.MatchedEscrows)

	_, err = c.VerifyAll(f.ctx, 10, 5)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, statusForKind(escrow.KindOverflow))
	assert.Equal(t, http.StatusInternalServerError, statusForKind(escrow.KindInvariant))
	assert.Equal(t, http.StatusInternalServerError, statusForKind(""))
}

func TestSigningMessage_Layout(t *testing.T) {
	a, b := mint(1), mint(2)
	msg := SigningMessage([]byte{9, 9}, []domain.Pubkey{a, b}, 258)
	require.Len(t, msg, 2+64+8)
	assert.Equal(t, a[:], msg[2:34])
	assert.Equal(t, b[:], msg[34:66])
	assert.Equal(t, []byte{2, 1, 0, 0, 0, 0, 0, 0}, msg[66:])
}
