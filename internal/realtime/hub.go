// Package realtime provides WebSocket streaming of live marketplace
// activity. Instead of polling, clients subscribe to the audit feed:
// escrow lifecycle transitions, settlements, withdrawals, and governance
// actions as they happen.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DaveO280/Diem-Marketplace/internal/events"
	"github.com/DaveO280/Diem-Marketplace/internal/metrics"
)

const (
	// MaxClients caps concurrent WebSocket connections.
	MaxClients = 10000

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 512 * 1024
	sendBufferSize = 256
)

// normalCloseCodes are close codes for an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		// Browsers must come from the same host the API is served on.
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Event is the wire format pushed to WebSocket clients. Types use the
// audit log's dotted names, e.g. "escrow.funded" or "admin.paused".
type Event struct {
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	Actor     string          `json:"actor,omitempty"`
	Amount    string          `json:"amount,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Subscription filters for a client. A client sends one as a JSON text
// frame to replace its current filter.
type Subscription struct {
	AllEvents bool `json:"allEvents"`
	// Types matches dotted event types. A bare group name such as
	// "escrow" matches every "escrow.*" event.
	Types []string `json:"types"`
	// Subjects matches escrow IDs, account addresses, or "governance".
	Subjects []string `json:"subjects"`
	// Actors matches the account that triggered the event.
	Actors []string `json:"actors"`
}

// Client is one WebSocket connection with its current subscription.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// Hub fans audit events out to subscribed WebSocket clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, sendBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run owns the client set. All registration, removal, and fan-out goes
// through this loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case event := <-h.broadcast:
			h.fanout(event)
		}
	}
}

func (h *Hub) shutdown() {
	h.logger.Info("realtime hub shutting down, closing client connections")
	h.mu.Lock()
	for client := range h.clients {
		close(client.send) // writePump sends CloseMessage on closed channel
		delete(h.clients, client)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
	h.logger.Info("realtime hub stopped")
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.totalClients.Add(1)
	if current := int64(len(h.clients)); current > h.peakClients.Load() {
		h.peakClients.Store(current)
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client connected", "total", n)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client disconnected", "total", n)
}

// fanout delivers one event to every matching client. Clients whose send
// buffer is full are dropped rather than allowed to stall the loop.
func (h *Hub) fanout(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event marshal failed", "type", event.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !client.wants(event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
		}
	}
	h.mu.Unlock()
	h.logger.Warn("dropped slow websocket clients", "count", len(slow))
}

// wants reports whether the event passes the client's current filter.
func (c *Client) wants(event *Event) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.Types) > 0 && !matchesType(sub.Types, event.Type) {
		return false
	}
	if len(sub.Subjects) > 0 && !slices.Contains(sub.Subjects, event.Subject) {
		return false
	}
	if len(sub.Actors) > 0 && !slices.Contains(sub.Actors, event.Actor) {
		return false
	}
	return true
}

// matchesType accepts either an exact dotted type or a group prefix:
// "escrow" matches "escrow.funded".
func matchesType(filters []string, eventType string) bool {
	for _, f := range filters {
		if f == eventType {
			return true
		}
		if len(eventType) > len(f) && eventType[:len(f)] == f && eventType[len(f)] == '.' {
			return true
		}
	}
	return false
}

// Broadcast queues an event for fan-out. Drops the event if the hub is
// backed up rather than blocking the caller.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// Sink adapts the hub into an audit log fan-out target, so every
// persisted event is also streamed to subscribers.
func (h *Hub) Sink() events.Sink {
	return func(ev *events.Event) {
		out := &Event{
			Type:      ev.Type,
			Subject:   ev.Subject,
			Actor:     ev.Actor,
			Amount:    ev.Amount,
			Timestamp: ev.CreatedAt,
		}
		// Detail is a JSON payload when present; pass it through verbatim
		// so clients see structured data rather than a quoted string.
		if ev.Detail != "" && json.Valid([]byte(ev.Detail)) {
			out.Detail = json.RawMessage(ev.Detail)
		}
		h.Broadcast(out)
	}
}

// Stats reports connection and delivery counters.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches the client to the hub.
// New clients start subscribed to everything until they send a filter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes inbound frames, treating each valid JSON frame as a
// subscription replacement.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump drains the send channel and keeps the connection alive with
// periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
