// Package ws implements the WebSocket adapter: a dashboard hub that
// broadcasts engine events to every client, and a per-execution stream.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/agentengine/internal/port/broadcast"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	outboxSize   = 64
)

// Message is the envelope for all dashboard messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// client is one dashboard connection. Writes go through outbox so a slow
// client never stalls a broadcast.
type client struct {
	ws     *websocket.Conn
	userID string
	outbox chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *client) stop(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}

// Hub tracks dashboard connections and broadcasts engine events to them.
type Hub struct {
	origins []string

	mu      sync.RWMutex
	clients map[*client]struct{}
}

var _ broadcast.Broadcaster = (*Hub)(nil)

// NewHub creates a hub. origins lists the allowed Origin patterns; an
// empty list or "*" accepts any origin.
func NewHub(origins ...string) *Hub {
	return &Hub{
		origins: origins,
		clients: make(map[*client]struct{}),
	}
}

func acceptOptions(origins []string) *websocket.AcceptOptions {
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: origins}
}

// HandleWS upgrades the request and registers the connection. The caller
// identity comes from the user_id query parameter because browsers cannot
// set headers on a WebSocket handshake.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, acceptOptions(h.origins))
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	c := &client{
		ws:     conn,
		userID: r.URL.Query().Get("user_id"),
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("websocket connected", "remote", r.RemoteAddr, "user_id", c.userID)

	// The dashboard is send-only; CloseRead handles control frames and
	// cancels ctx once the peer goes away.
	ctx := conn.CloseRead(context.Background())
	go h.pump(ctx, c)
}

func (h *Hub) pump(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer h.drop(c, websocket.StatusNormalClosure, "")

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.outbox:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", "user_id", c.userID, "error", err)
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Broadcast queues msg for every connected client. A client whose outbox
// is full is disconnected.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	if ctx.Err() != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.outbox <- data:
		case <-c.done:
		default:
			slog.Warn("websocket client too slow, disconnecting", "user_id", c.userID)
			h.drop(c, websocket.StatusPolicyViolation, "slow consumer")
		}
	}
}

// BroadcastEvent implements broadcast.Broadcaster.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}
	h.Broadcast(ctx, Message{Type: eventType, Payload: data})
}

// ConnectionCount returns the number of registered clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.stop(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) drop(c *client, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop(code, reason)
	if ok {
		slog.Info("websocket disconnected", "user_id", c.userID)
	}
}
