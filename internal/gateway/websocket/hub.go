// Package websocket implements the subscriber hub: the set of live
// connections authorized for each session, replay on subscribe, and fan-out
// of appended events. The hub is the only component that writes to sockets.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/session/models"
	wire "github.com/coderelay/coderelay/pkg/subscriberwire"
)

// Hub manages all subscriber connections, grouped by session.
type Hub struct {
	clients  map[*Client]bool
	sessions map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		sessions:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run processes registration until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("subscriber hub started")
	defer h.logger.Info("subscriber hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	if h.sessions[client.sessionID] == nil {
		h.sessions[client.sessionID] = make(map[*Client]bool)
	}
	h.sessions[client.sessionID][client] = true
	h.mu.Unlock()

	h.logger.Debug("client registered",
		zap.String("client_id", client.id),
		zap.String("session_id", client.sessionID))

	h.broadcastPresence(client, wire.TypeParticipantJoined)
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	if peers := h.sessions[client.sessionID]; peers != nil {
		delete(peers, client)
		if len(peers) == 0 {
			delete(h.sessions, client.sessionID)
		}
	}
	h.mu.Unlock()

	// closeSend is serialized against concurrent enqueues by the client's
	// own guard, so in-flight broadcasts cannot hit a closed channel.
	client.closeSend()

	h.logger.Debug("client unregistered", zap.String("client_id", client.id))
	h.broadcastPresence(client, wire.TypeParticipantLeft)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.sessions = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.closeSend()
	}
}

// Register adds a connection after it has authenticated.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a connection; safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastToSession delivers a frame to every subscriber of the session.
// Each connection gets the frame independently; a slow connection is closed
// rather than allowed to stall others.
func (h *Hub) BroadcastToSession(sessionID string, frame []byte) {
	h.BroadcastEventToSession(sessionID, models.EventKey{}, frame)
}

// BroadcastEventToSession delivers an appended-event frame tagged with its
// log key, letting a freshly subscribed connection drop events it already
// received during replay.
func (h *Hub) BroadcastEventToSession(sessionID string, key models.EventKey, frame []byte) {
	h.mu.RLock()
	peers := make([]*Client, 0, len(h.sessions[sessionID]))
	for client := range h.sessions[sessionID] {
		peers = append(peers, client)
	}
	h.mu.RUnlock()

	for _, client := range peers {
		client.enqueueEvent(key, frame)
	}
}

// broadcastPresence tells the session's other subscribers about a join or
// leave.
func (h *Hub) broadcastPresence(client *Client, frameType string) {
	frame, err := wire.New(frameType, map[string]interface{}{
		"participantId": client.participantID,
		"userId":        client.userID,
		"clientId":      client.id,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	peers := make([]*Client, 0, len(h.sessions[client.sessionID]))
	for peer := range h.sessions[client.sessionID] {
		if peer != client {
			peers = append(peers, peer)
		}
	}
	h.mu.RUnlock()

	for _, peer := range peers {
		peer.enqueue(frame)
	}
}

// SessionSubscriberCount reports how many live connections a session has.
func (h *Hub) SessionSubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
