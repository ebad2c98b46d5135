// Package api exposes the settlement engine over HTTP/JSON.
//
// Mutating requests must be signed by the acting identity (maker for Make and
// Refund, taker for Take). Settlement history and a live websocket stream of
// committed events are served next to the order endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"token-escrow/internal/domain"
	"token-escrow/internal/escrow"
	"token-escrow/internal/observability"
	"token-escrow/internal/storage"
	"token-escrow/internal/verification"
)

// maxBodyBytes caps request bodies; every request body is a few hundred bytes.
const maxBodyBytes = 64 << 10

// Options configures a Server.
type Options struct {
	// Engine runs the transitions. Required.
	Engine *escrow.Engine

	// History serves /v1/escrows/{address}/events. Optional.
	History storage.SettlementEventStore

	// Hub serves /ws/events. Optional.
	Hub *Hub

	// Verifier serves the history audit endpoints. Optional.
	Verifier verification.Verifier

	// Auth verifies signed requests. Nil accepts unsigned requests.
	Auth *Authenticator

	// Status adds fields to the /status response. Optional.
	Status func() map[string]any

	Logger *log.Logger
}

// Server handles API requests.
type Server struct {
	engine   *escrow.Engine
	history  storage.SettlementEventStore
	hub      *Hub
	verifier verification.Verifier
	auth     *Authenticator
	status   func() map[string]any
	logger   *log.Logger
	started  time.Time
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[api] ", log.LstdFlags)
	}
	return &Server{
		engine:   opts.Engine,
		history:  opts.History,
		hub:      opts.Hub,
		verifier: opts.Verifier,
		auth:     opts.Auth,
		status:   opts.Status,
		logger:   logger,
		started:  time.Now(),
	}
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", observability.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/escrows", s.handleMake)
		r.Get("/escrows/{address}", s.handleGet)
		r.Post("/escrows/{address}/take", s.handleTake)
		r.Post("/escrows/{address}/refund", s.handleRefund)
		r.Get("/escrows/{address}/events", s.handleEvents)
		r.Get("/makers/{maker}/escrows", s.handleListByMaker)
		r.Get("/balances/{owner}", s.handleBalance)
		r.Get("/derive", s.handleDerive)
		r.Get("/escrows/{address}/verify", s.handleVerifyEscrow)
		r.Get("/verify", s.handleVerifyAll)
	})

	if s.hub != nil {
		r.Get("/ws/events", s.hub.ServeHTTP)
	}
	return r
}

func (s *Server) handleMake(w http.ResponseWriter, r *http.Request) {
	var req MakeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ix, accounts := MakeInstruction(req)
	if !s.authenticate(w, r, req.Maker, ix, accounts) {
		return
	}

	res, err := s.engine.Make(r.Context(), escrow.MakeRequest{
		Maker:   req.Maker,
		Seed:    req.Seed,
		MintA:   req.MintA,
		MintB:   req.MintB,
		Deposit: req.Deposit,
		Receive: req.Receive,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(res.Escrow, res.Vault))
}

func (s *Server) handleTake(w http.ResponseWriter, r *http.Request) {
	address, ok := pathPubkey(w, r, "address")
	if !ok {
		return
	}
	var req TakeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ix, accounts := TakeInstruction(address, req)
	if !s.authenticate(w, r, req.Taker, ix, accounts) {
		return
	}

	res, err := s.engine.Take(r.Context(), escrow.TakeRequest{Taker: req.Taker, Escrow: address})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &TakeResponse{
		Escrow:        address,
		Paid:          res.Paid,
		Received:      res.Received,
		RentReclaimed: res.RentReclaimed,
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	address, ok := pathPubkey(w, r, "address")
	if !ok {
		return
	}
	var req RefundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ix, accounts := RefundInstruction(address, req)
	if !s.authenticate(w, r, req.Maker, ix, accounts) {
		return
	}

	res, err := s.engine.Refund(r.Context(), escrow.RefundRequest{Maker: req.Maker, Escrow: address})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &RefundResponse{
		Escrow:        address,
		Refunded:      res.Refunded,
		RentReclaimed: res.RentReclaimed,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	address, ok := pathPubkey(w, r, "address")
	if !ok {
		return
	}
	rec, vault, err := s.engine.Get(r.Context(), address)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec, vault))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	address, ok := pathPubkey(w, r, "address")
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, KindUnavailable, "settlement history is not configured")
		return
	}

	list, err := s.history.GetByEscrow(r.Context(), address)
	if err != nil {
		s.writeEngineError(w, r, fmt.Errorf("settlement history: %w", err))
		return
	}
	out := make([]Event, len(list))
	for i, e := range list {
		out[i] = toEvent(e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListByMaker(w http.ResponseWriter, r *http.Request) {
	maker, ok := pathPubkey(w, r, "maker")
	if !ok {
		return
	}
	list, err := s.engine.ListByMaker(r.Context(), maker)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	out := make([]*EscrowResponse, len(list))
	for i, e := range list {
		out[i] = toEscrowResponse(e, nil)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathPubkey(w, r, "owner")
	if !ok {
		return
	}
	mint, err := parseMint(r.URL.Query().Get("mint"))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindBadRequest, "mint: "+err.Error())
		return
	}

	amount, err := s.engine.BalanceOf(r.Context(), mint, owner)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &BalanceResponse{Mint: mint, Owner: owner, Amount: amount})
}

func (s *Server) handleDerive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maker, err := domain.ParsePubkey(q.Get("maker"))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindBadRequest, "maker: "+err.Error())
		return
	}
	seed, err := strconv.ParseUint(q.Get("seed"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindBadRequest, "seed: "+err.Error())
		return
	}
	mintA, err := parseMint(q.Get("mint_a"))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindBadRequest, "mint_a: "+err.Error())
		return
	}

	d, err := s.engine.Derive(maker, seed, mintA)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &DeriveResponse{Escrow: d.Escrow, Bump: d.Bump, Vault: d.Vault})
}

func (s *Server) handleVerifyEscrow(w http.ResponseWriter, r *http.Request) {
	address, ok := pathPubkey(w, r, "address")
	if !ok {
		return
	}
	if s.verifier == nil {
		writeError(w, http.StatusNotImplemented, KindUnavailable, "settlement history is not configured")
		return
	}

	res, err := s.verifier.VerifyEscrow(r.Context(), address)
	if err != nil {
		s.writeEngineError(w, r, fmt.Errorf("verify: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleVerifyAll audits open records and the history in [from, to] (Unix ms).
// to defaults to now.
func (s *Server) handleVerifyAll(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeError(w, http.StatusNotImplemented, KindUnavailable, "settlement history is not configured")
		return
	}

	q := r.URL.Query()
	var (
		from int64
		to   = time.Now().UnixMilli()
		err  error
	)
	if v := q.Get("from"); v != "" {
		if from, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, KindBadRequest, "from: "+err.Error())
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, KindBadRequest, "to: "+err.Error())
			return
		}
	}
	if from > to {
		writeError(w, http.StatusBadRequest, KindBadRequest, "from must not be after to")
		return
	}

	report, err := s.verifier.VerifyAll(r.Context(), from, to)
	if err != nil {
		s.writeEngineError(w, r, fmt.Errorf("verify: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// StatusResponse is the JSON response for /status.
type StatusResponse struct {
	Status      string         `json:"status"`
	Uptime      string         `json:"uptime"`
	ProgramID   domain.Pubkey  `json:"program_id"`
	Subscribers int            `json:"subscribers"`
	Extra       map[string]any `json:"extra,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:    "running",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		ProgramID: s.engine.ProgramID(),
	}
	if s.hub != nil {
		resp.Subscribers = s.hub.Count()
	}
	if s.status != nil {
		resp.Extra = s.status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case escrow.KindInvalidTerms:
		return http.StatusBadRequest
	case escrow.KindUnauthorized:
		return http.StatusForbidden
	case escrow.KindOrderNotFound:
		return http.StatusNotFound
	case escrow.KindDuplicateOrder:
		return http.StatusConflict
	case escrow.KindInsufficientFunds, escrow.KindOverflow:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError reports err by kind. Internal details are logged, not returned.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := escrow.KindOf(err)
	status := statusForKind(kind)
	msg := err.Error()

	if status == http.StatusInternalServerError {
		s.logger.Printf("%s %s [%s]: %v", r.Method, r.URL.Path, w.Header().Get(headerRequestID), err)
		if kind != escrow.KindInvariant {
			msg = "internal error"
		}
	}
	writeError(w, status, kind, msg)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, KindBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathPubkey(w http.ResponseWriter, r *http.Request, name string) (domain.Pubkey, bool) {
	p, err := domain.ParsePubkey(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindBadRequest, name+": "+err.Error())
		return p, false
	}
	return p, true
}

// parseMint accepts a base58 mint or "native" for lamports.
func parseMint(s string) (domain.Pubkey, error) {
	if s == "native" {
		return domain.NativeMint, nil
	}
	if s == "" {
		return domain.Pubkey{}, errors.New("required")
	}
	return domain.ParsePubkey(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Kind: kind, Message: msg}})
}
