// Package feed pushes domain events to signed-in browsers over WebSocket.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtrntr/agriloop/internal/events"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

type ctxKey struct{}

// WithUser marks the request as made by userID. ServeHTTP refuses requests
// without it.
func WithUser(ctx context.Context, userID int) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFrom returns the user set by WithUser
func UserFrom(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(ctxKey{}).(int)
	return id, ok && id > 0
}

type frame struct {
	messageType int
	data        []byte
}

type wsClient struct {
	conn   *websocket.Conn
	userID int
	send   chan frame
}

// writeLoop owns every write to conn. It returns once send is closed or a
// write fails.
func (c *wsClient) writeLoop(log *zap.Logger) {
	defer c.conn.Close()
	for f := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		var err error
		if f.messageType == websocket.PingMessage {
			err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		} else {
			err = c.conn.WriteMessage(f.messageType, f.data)
		}
		if err != nil {
			log.Debug("Failed to send message", zap.Int("user_id", c.userID), zap.Error(err))
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(writeWait))
}

// Hub keeps the connected clients and delivers each published event to the
// clients of the users in its audience. It implements events.Publisher.
type Hub struct {
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu      sync.RWMutex
	clients map[*wsClient]bool
	closed  bool
}

// NewHub accepts connections from any origin listed in origins; "*" or an
// empty list allows all.
func NewHub(origins []string, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{log: log, clients: make(map[*wsClient]bool)}
	h.upgrader.CheckOrigin = checkOrigin(origins)
	return h
}

func checkOrigin(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

// ServeHTTP upgrades the request and holds the connection until the peer
// goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFrom(r.Context())
	if !ok {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, userID: userID, send: make(chan frame, sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = true
	h.mu.Unlock()
	go client.writeLoop(h.log)
	h.log.Debug("Feed client connected", zap.Int("user_id", userID), zap.String("remote", r.RemoteAddr))

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(client)
}

// Publish queues ev for the clients of its audience and never waits on a
// socket. A client whose queue is full is disconnected.
func (h *Hub) Publish(ctx context.Context, ev events.Envelope) error {
	if len(ev.Audience) == 0 {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	audience := make(map[int]bool, len(ev.Audience))
	for _, id := range ev.Audience {
		audience[id] = true
	}
	h.broadcast(frame{websocket.TextMessage, data}, func(c *wsClient) bool { return audience[c.userID] })
	return nil
}

// Run pings clients until ctx is done
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(frame{messageType: websocket.PingMessage}, nil)
		}
	}
}

func (h *Hub) broadcast(f frame, match func(*wsClient) bool) {
	var slow []*wsClient
	h.mu.RLock()
	for client := range h.clients {
		if match != nil && !match(client) {
			continue
		}
		select {
		case client.send <- f:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.log.Warn("Dropping slow feed client", zap.Int("user_id", client.userID))
		h.remove(client)
	}
}

// remove forgets client and tears its connection down without a close frame
func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
		client.conn.Close()
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close says goodbye to every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
