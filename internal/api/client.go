package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"token-escrow/internal/domain"
	"token-escrow/internal/escrow"
	"token-escrow/internal/keys"
	"token-escrow/internal/verification"
)

// Default client configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

// Unwrap maps settlement kinds to the engine's sentinel errors so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Kind {
	case escrow.KindInvalidTerms:
		return escrow.ErrInvalidTerms
	case escrow.KindInsufficientFunds:
		return escrow.ErrInsufficientFunds
	case escrow.KindDuplicateOrder:
		return escrow.ErrDuplicateOrder
	case escrow.KindOrderNotFound:
		return escrow.ErrOrderNotFound
	case escrow.KindUnauthorized:
		return escrow.ErrUnauthorized
	case escrow.KindInvariant:
		return escrow.ErrInvariant
	}
	return nil
}

// retryable reports whether the request may be sent again.
func (e *APIError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// Client calls the escrow API. Mutating calls are signed with the client's keypair.
type Client struct {
	baseURL     string
	keypair     *keys.Keypair
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	now         func() time.Time
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithKeypair sets the identity that signs mutating requests.
func WithKeypair(kp *keys.Keypair) ClientOption {
	return func(c *Client) {
		c.keypair = kp
	}
}

// WithClock sets the clock used for request timestamps.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// signing carries what a mutating request is signed over.
type signing struct {
	ix       []byte
	accounts []domain.Pubkey
}

// do sends one API call with retries and exponential backoff.
// Signed requests are re-signed on every attempt so each carries a fresh timestamp.
func (c *Client) do(ctx context.Context, method, path string, body any, sign *signing, result any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	if sign != nil && c.keypair == nil {
		return errors.New("signed request requires a keypair")
	}

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if sign != nil {
			SignRequest(req, c.keypair, sign.ix, sign.accounts, c.now())
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := decodeError(resp.StatusCode, respBody)
			if apiErr.retryable() {
				lastErr = apiErr
				continue
			}
			return apiErr
		}

		if result != nil {
			if err := json.Unmarshal(respBody, result); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func decodeError(status int, body []byte) *APIError {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error.Kind == "" {
		return &APIError{Status: status, Kind: http.StatusText(status), Message: strings.TrimSpace(string(body))}
	}
	return &APIError{Status: status, Kind: er.Error.Kind, Message: er.Error.Message}
}

// Make opens an order. req.Maker must be the client's keypair.
func (c *Client) Make(ctx context.Context, req MakeRequest) (*EscrowResponse, error) {
	ix, accounts := MakeInstruction(req)
	var resp EscrowResponse
	if err := c.do(ctx, http.MethodPost, "/v1/escrows", req, &signing{ix, accounts}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Take settles an order as the client's keypair.
func (c *Client) Take(ctx context.Context, address domain.Pubkey) (*TakeResponse, error) {
	if c.keypair == nil {
		return nil, errors.New("take requires a keypair")
	}
	req := TakeRequest{Taker: c.keypair.Public()}
	ix, accounts := TakeInstruction(address, req)
	var resp TakeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/escrows/"+address.String()+"/take", req, &signing{ix, accounts}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refund cancels an order made by the client's keypair.
func (c *Client) Refund(ctx context.Context, address domain.Pubkey) (*RefundResponse, error) {
	if c.keypair == nil {
		return nil, errors.New("refund requires a keypair")
	}
	req := RefundRequest{Maker: c.keypair.Public()}
	ix, accounts := RefundInstruction(address, req)
	var resp RefundResponse
	if err := c.do(ctx, http.MethodPost, "/v1/escrows/"+address.String()+"/refund", req, &signing{ix, accounts}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get returns an open order and its vault.
func (c *Client) Get(ctx context.Context, address domain.Pubkey) (*EscrowResponse, error) {
	var resp EscrowResponse
	if err := c.do(ctx, http.MethodGet, "/v1/escrows/"+address.String(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events returns the settlement history of an escrow address.
func (c *Client) Events(ctx context.Context, address domain.Pubkey) ([]Event, error) {
	var resp []Event
	if err := c.do(ctx, http.MethodGet, "/v1/escrows/"+address.String()+"/events", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListByMaker returns the open orders of maker.
func (c *Client) ListByMaker(ctx context.Context, maker domain.Pubkey) ([]*EscrowResponse, error) {
	var resp []*EscrowResponse
	if err := c.do(ctx, http.MethodGet, "/v1/makers/"+maker.String()+"/escrows", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Balance returns owner's ledger balance of mint.
func (c *Client) Balance(ctx context.Context, mint, owner domain.Pubkey) (uint64, error) {
	q := url.Values{"mint": {mintParam(mint)}}
	var resp BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/balances/"+owner.String()+"?"+q.Encode(), nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Amount, nil
}

// Derive asks the server for the addresses of a prospective order.
func (c *Client) Derive(ctx context.Context, maker domain.Pubkey, seed uint64, mintA domain.Pubkey) (*DeriveResponse, error) {
	q := url.Values{
		"maker":  {maker.String()},
		"seed":   {strconv.FormatUint(seed, 10)},
		"mint_a": {mintParam(mintA)},
	}
	var resp DeriveResponse
	if err := c.do(ctx, http.MethodGet, "/v1/derive?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Verify audits one escrow address against its settlement history.
func (c *Client) Verify(ctx context.Context, address domain.Pubkey) (*verification.VerificationResult, error) {
	var resp verification.VerificationResult
	if err := c.do(ctx, http.MethodGet, "/v1/escrows/"+address.String()+"/verify", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyAll audits every open order and every address with history in [from, to] (Unix ms).
// A zero to means now.
func (c *Client) VerifyAll(ctx context.Context, from, to int64) (*verification.VerificationReport, error) {
	q := url.Values{"from": {strconv.FormatInt(from, 10)}}
	if to != 0 {
		q.Set("to", strconv.FormatInt(to, 10))
	}
	var resp verification.VerificationReport
	if err := c.do(ctx, http.MethodGet, "/v1/verify?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func mintParam(mint domain.Pubkey) string {
	if mint == domain.NativeMint {
		return "native"
	}
	return mint.String()
}
