// Package websocket maintains dashboard WebSocket connections: a hub of
// clients, per-session subscriptions gating the live cache stream, and a
// client pump pair per connection.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/cache"
	"github.com/iris-hq/iris/internal/common/logger"
	ws "github.com/iris-hq/iris/pkg/websocket"
)

// Hub maintains the set of active clients and routes messages to them.
type Hub struct {
	clients map[*Client]bool

	// sessionSubscribers maps session id to the clients watching its live
	// cache stream. The cache registry watcher count mirrors this map, so
	// transports only publish stream events somebody is reading.
	sessionSubscribers map[string]map[*Client]bool

	caches *cache.Registry
	logger *logger.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	mu sync.RWMutex
}

// NewHub creates a hub bound to the cache registry.
func NewHub(caches *cache.Registry, log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		caches:             caches,
		logger:             log.WithFields(zap.String("component", "ws_hub")),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan *ws.Message, 256),
	}
}

// Run processes hub events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.dropSubscriptionsLocked(client)
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.String("client_id", client.id))

		case message := <-h.broadcast:
			h.Broadcast(message)
		}
	}
}

// Broadcast sends a message to every connected client. Slow clients drop
// the message rather than stall the hub.
func (h *Hub) Broadcast(message *ws.Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client send buffer full, dropping broadcast",
				zap.String("client_id", client.id))
		}
	}
}

// BroadcastToSession sends a message to the clients subscribed to the
// session's cache stream.
func (h *Hub) BroadcastToSession(sessionID string, message *ws.Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal session message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.sessionSubscribers[sessionID] {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client send buffer full, dropping stream event",
				zap.String("client_id", client.id),
				zap.String("session_id", sessionID))
		}
	}
}

// SubscribeToSession registers the client for the session's cache stream
// and bumps the registry watcher count.
func (h *Hub) SubscribeToSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessionSubscribers[sessionID] == nil {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	if h.sessionSubscribers[sessionID][client] {
		return
	}
	h.sessionSubscribers[sessionID][client] = true
	h.caches.AddWatcher(sessionID)
}

// UnsubscribeFromSession removes the client's subscription.
func (h *Hub) UnsubscribeFromSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client, sessionID)
}

func (h *Hub) unsubscribeLocked(client *Client, sessionID string) {
	subs, ok := h.sessionSubscribers[sessionID]
	if !ok || !subs[client] {
		return
	}
	delete(subs, client)
	if len(subs) == 0 {
		delete(h.sessionSubscribers, sessionID)
	}
	h.caches.RemoveWatcher(sessionID)
}

// dropSubscriptionsLocked clears every subscription a departing client
// held. Caller holds h.mu.
func (h *Hub) dropSubscriptionsLocked(client *Client) {
	for sessionID := range h.sessionSubscribers {
		h.unsubscribeLocked(client, sessionID)
	}
}

// Subscriptions lists the session ids the client is subscribed to.
func (h *Hub) Subscriptions(client *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for sessionID, subs := range h.sessionSubscribers {
		if subs[client] {
			out = append(out, sessionID)
		}
	}
	return out
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		h.dropSubscriptionsLocked(client)
	}
}
