package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"token-escrow/internal/observability"
)

// ErrClientClosed is returned by calls on a closed client.
var ErrClientClosed = errors.New("client closed")

var errNotConnected = errors.New("not connected")

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// SubscribeTimeout bounds the wait for a subscription confirmation.
	SubscribeTimeout time.Duration
	// Commitment is the commitment level of log subscriptions.
	Commitment string
	// NotificationBuffer is the capacity of each subscription channel.
	NotificationBuffer int
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:     1 * time.Second,
		MaxReconnectDelay:  30 * time.Second,
		PingInterval:       30 * time.Second,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Second,
		SubscribeTimeout:   30 * time.Second,
		Commitment:         "confirmed",
		NotificationBuffer: 1024,
	}
}

// subscription is one logsSubscribe stream. id changes on every resubscribe
// and is guarded by subsMu.
type subscription struct {
	id     int64
	filter LogsFilter
	ch     chan LogNotification
}

// WSClientImpl implements WSClient using gorilla/websocket.
type WSClientImpl struct {
	endpoint string
	config   WSClientConfig
	logger   *log.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	// subs maps the server-side subscription ID to the stream
	subs   map[int64]*subscription
	subsMu sync.RWMutex

	// pending maps request ID to the subscription awaiting confirmation
	pending   map[uint64]*pendingSub
	pendingMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool
}

// NewWSClient creates a new WebSocket client and connects to the endpoint.
// config and logger may be nil.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig, logger *log.Logger) (*WSClientImpl, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ws] ", log.LstdFlags)
	}

	c := &WSClientImpl{
		endpoint: endpoint,
		config:   cfg,
		logger:   logger,
		subs:     make(map[int64]*subscription),
		pending:  make(map[uint64]*pendingSub),
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// connect establishes WebSocket connection.
func (c *WSClientImpl) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// pendingSub is a logsSubscribe request waiting for its subscription ID.
type pendingSub struct {
	sub     *subscription
	confirm chan struct{}
}

// SubscribeLogs subscribes to transaction logs matching the filter.
func (c *WSClientImpl) SubscribeLogs(ctx context.Context, filter LogsFilter) (<-chan LogNotification, error) {
	sub := &subscription{filter: filter, ch: make(chan LogNotification, c.config.NotificationBuffer)}
	if err := c.subscribe(ctx, sub); err != nil {
		// A confirmation that raced the failure may have registered the stream.
		c.unregister(sub)
		return nil, err
	}
	return sub.ch, nil
}

// unregister removes sub from the routing table if it is there.
func (c *WSClientImpl) unregister(sub *subscription) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if cur, ok := c.subs[sub.id]; ok && cur == sub {
		delete(c.subs, sub.id)
	}
}

// subscribe sends logsSubscribe for sub and waits until the reader has
// registered it under the confirmed subscription ID.
func (c *WSClientImpl) subscribe(ctx context.Context, sub *subscription) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	filter := sub.filter

	reqID := c.requestID.Add(1)
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "logsSubscribe",
		Params: []any{
			filter.params(),
			map[string]string{"commitment": c.config.Commitment},
		},
	}

	p := &pendingSub{sub: sub, confirm: make(chan struct{})}
	c.pendingMu.Lock()
	c.pending[reqID] = p
	c.pendingMu.Unlock()
	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}

	if err := c.writeJSON(req); err != nil {
		forget()
		return err
	}

	timer := time.NewTimer(c.config.SubscribeTimeout)
	defer timer.Stop()

	select {
	case <-p.confirm:
		if c.closed.Load() {
			return ErrClientClosed
		}
		return nil
	case <-timer.C:
		forget()
		return fmt.Errorf("subscription timeout after %s", c.config.SubscribeTimeout)
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func (c *WSClientImpl) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

// Close closes the WebSocket connection and every subscription channel.
func (c *WSClientImpl) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	// Wait for the reader so nothing sends on a closed channel.
	c.wg.Wait()

	c.subsMu.Lock()
	for id, sub := range c.subs {
		close(sub.ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()

	c.pendingMu.Lock()
	for id, p := range c.pending {
		close(p.confirm)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	return nil
}

// readLoop reads messages and dispatches them; on a read error it schedules a reconnect.
func (c *WSClientImpl) readLoop() {
	defer c.wg.Done()

	delay := c.config.ReconnectDelay
	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		var message []byte
		err := errNotConnected
		if conn != nil {
			conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
			_, message, err = conn.ReadMessage()
		}
		if err != nil {
			if c.closed.Load() {
				return
			}
			// A failed dial leaves conn nil; keep retrying with backoff.
			if !c.reconnecting.Swap(true) {
				c.logger.Printf("connection lost, reconnecting in %s: %v", delay, err)
				go c.reconnect(conn, delay)
				delay *= 2
				if delay > c.config.MaxReconnectDelay {
					delay = c.config.MaxReconnectDelay
				}
			}
			if !c.sleep(100 * time.Millisecond) {
				return
			}
			continue
		}

		delay = c.config.ReconnectDelay
		c.handleMessage(message)
	}
}

// sleep waits for d; returns false if the client closed meanwhile.
func (c *WSClientImpl) sleep(d time.Duration) bool {
	select {
	case <-c.done:
		return false
	case <-time.After(d):
		return true
	}
}

// reconnect replaces the broken connection and resubscribes every stream.
func (c *WSClientImpl) reconnect(broken *websocket.Conn, delay time.Duration) {
	defer c.reconnecting.Store(false)

	if !c.sleep(delay) {
		return
	}

	c.connMu.Lock()
	if c.conn != broken {
		c.connMu.Unlock()
		return
	}
	if broken != nil {
		broken.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.connect(ctx); err != nil {
		// The reader will trigger another attempt.
		c.logger.Printf("reconnect: %v", err)
		return
	}
	observability.RecordWSReconnect()
	c.resubscribeAll()
}

// resubscribeAll re-registers every stream on the new connection.
func (c *WSClientImpl) resubscribeAll() {
	c.subsMu.RLock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subsMu.RUnlock()

	// handleSubscribeResponse moves each stream to its new ID.
	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.subscribe(ctx, sub)
		cancel()
		if err != nil {
			c.logger.Printf("resubscribe %v: %v", sub.filter.params(), err)
		}
	}
}

// handleMessage processes incoming WebSocket message.
func (c *WSClientImpl) handleMessage(message []byte) {
	var resp wsSubscribeResponse
	if err := json.Unmarshal(message, &resp); err == nil && resp.Result > 0 {
		c.handleSubscribeResponse(&resp)
		return
	}

	var notif wsNotification
	if err := json.Unmarshal(message, &notif); err == nil && notif.Method == "logsNotification" {
		c.handleLogsNotification(&notif)
		return
	}

	var errResp wsErrorResponse
	if err := json.Unmarshal(message, &errResp); err == nil && errResp.Error != nil {
		// The pending subscription, if any, times out.
		c.logger.Printf("error response: code=%d msg=%s", errResp.Error.Code, errResp.Error.Message)
	}
}

// handleSubscribeResponse registers the confirmed stream before the reader
// moves on, so a notification right behind the confirmation finds it.
func (c *WSClientImpl) handleSubscribeResponse(resp *wsSubscribeResponse) {
	c.pendingMu.Lock()
	p, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	c.subsMu.Lock()
	if cur, ok := c.subs[p.sub.id]; ok && cur == p.sub {
		delete(c.subs, p.sub.id)
	}
	p.sub.id = resp.Result
	c.subs[resp.Result] = p.sub
	c.subsMu.Unlock()

	close(p.confirm)
}

// handleLogsNotification dispatches a notification. It blocks while the
// subscriber's buffer is full; notifications are never dropped.
func (c *WSClientImpl) handleLogsNotification(notif *wsNotification) {
	if notif.Params == nil {
		return
	}
	value := notif.Params.Result.Value
	n := LogNotification{
		Signature: value.Signature,
		Logs:      value.Logs,
		Err:       value.Err,
	}
	if notif.Params.Result.Context != nil {
		n.Slot = notif.Params.Result.Context.Slot
		observability.UpdateHighestSlot(n.Slot)
	}

	c.subsMu.RLock()
	sub, ok := c.subs[notif.Params.Subscription]
	c.subsMu.RUnlock()
	if !ok {
		return
	}

	select {
	case sub.ch <- n:
	case <-c.done:
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClientImpl) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				// A dead connection surfaces as a read error in readLoop.
				c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type wsSubscribeResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Result  int64  `json:"result"` // subscription ID
}

type wsErrorResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      uint64    `json:"id"`
	Error   *rpcError `json:"error"`
}

type wsNotification struct {
	JSONRPC string                `json:"jsonrpc"`
	Method  string                `json:"method"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context *wsContext  `json:"context"`
	Value   wsLogsValue `json:"value"`
}

type wsContext struct {
	Slot int64 `json:"slot"`
}

type wsLogsValue struct {
	Signature string   `json:"signature"`
	Logs      []string `json:"logs"`
	Err       any      `json:"err"`
}
