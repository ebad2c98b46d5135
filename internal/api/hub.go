package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"token-escrow/internal/domain"
	"token-escrow/internal/observability"
)

// HubConfig configures the live event stream.
type HubConfig struct {
	// SendBuffer is the number of events queued per subscriber before events are dropped.
	SendBuffer int
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// PongWait is how long a subscriber may stay silent, pongs included,
	// before it is disconnected. Must exceed PingInterval.
	PongWait time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
}

// DefaultHubConfig returns default stream configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:   64,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// withDefaults replaces non-positive settings with defaults.
func (c HubConfig) withDefaults() HubConfig {
	def := DefaultHubConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Hub streams committed settlement events to websocket subscribers.
// It is an events.Emitter; Emit never blocks on a slow subscriber.
type Hub struct {
	config   HubConfig
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool
}

// subscriber is one websocket connection. A zero escrow receives every event.
type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	escrow domain.Pubkey
	done   chan struct{}
	once   sync.Once
}

func (c *subscriber) stop() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates a Hub. config may be nil; zero fields take their defaults.
func NewHub(config *HubConfig, logger *log.Logger) *Hub {
	cfg := DefaultHubConfig()
	if config != nil {
		cfg = config.withDefaults()
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[stream] ", log.LstdFlags)
	}
	return &Hub{
		config:  cfg,
		logger:  logger,
		clients: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Emit queues e for every matching subscriber.
func (h *Hub) Emit(e *domain.SettlementEvent) {
	if e == nil {
		return
	}
	msg, err := json.Marshal(toEvent(e))
	if err != nil {
		h.logger.Printf("encode event %s: %v", e.EventID, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.escrow.IsZero() && c.escrow != e.Escrow {
			continue
		}
		select {
		case c.send <- msg:
		default:
			observability.RecordStreamDrop()
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client disconnects.
// The optional ?escrow= query parameter restricts the stream to one escrow.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var filter domain.Pubkey
	if raw := r.URL.Query().Get("escrow"); raw != "" {
		p, err := domain.ParsePubkey(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindBadRequest, "escrow: "+err.Error())
			return
		}
		filter = p
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}

	c := &subscriber{
		conn:   conn,
		send:   make(chan []byte, h.config.SendBuffer),
		escrow: filter,
		done:   make(chan struct{}),
	}
	if !h.add(c) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) add(c *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	observability.UpdateStreamSubscribers(len(h.clients))
	return true
}

func (h *Hub) remove(c *subscriber) {
	h.mu.Lock()
	delete(h.clients, c)
	observability.UpdateStreamSubscribers(len(h.clients))
	h.mu.Unlock()

	c.stop()
	c.conn.Close()
}

// readLoop discards client messages; it returns when the connection fails
// or the client misses pongs for PongWait.
func (h *Hub) readLoop(c *subscriber) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop sends queued events and periodic pings.
func (h *Hub) writeLoop(c *subscriber) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*subscriber, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
}
