package api

import (
	"encoding/json"
	"sync"

	"github.com/jsbattig/share-things-sub004/internal/logger"
	"github.com/jsbattig/share-things-sub004/internal/models"
)

// Hub tracks connected clients and their session rooms. Fan-out walks a
// room under the read lock and never touches storage; slow clients are
// dropped rather than allowed to stall the room.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	logger *logger.Logger
}

// NewHub creates a new Hub.
func NewHub(l *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
		logger:  l,
	}
}

// Register tracks a freshly upgraded connection.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("Client connected: %s (total: %d)", client.remoteAddr, total)
}

// Unregister drops a connection and removes it from its room.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	h.removeFromRoomLocked(client)
	close(client.send)
	h.logger.Printf("Client disconnected: %s (total: %d)", client.remoteAddr, len(h.clients))
}

// JoinRoom moves a client into a session's room after a successful join.
func (h *Hub) JoinRoom(sessionID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromRoomLocked(client)
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[sessionID] = room
	}
	room[client] = true
}

// LeaveRoom removes a client from its room, keeping the connection open.
func (h *Hub) LeaveRoom(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoomLocked(client)
}

func (h *Hub) removeFromRoomLocked(client *Client) {
	sessionID := client.SessionID()
	if sessionID == "" {
		return
	}
	if room, ok := h.rooms[sessionID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

// BroadcastToSession fans an event out to every member of a session except
// the originator. Best-effort: a client whose send buffer is full is cut.
func (h *Hub) BroadcastToSession(sessionID string, exclude *Client, event string, data interface{}) {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		h.logger.Printf("ERROR: marshal %s broadcast: %v", event, err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		h.logger.Printf("ERROR: marshal %s envelope: %v", event, err)
		return
	}

	// Sends happen under the read lock: Unregister closes send channels under
	// the write lock, so a channel can never close mid-send. Sends are
	// non-blocking; a full buffer marks the client stalled.
	h.mu.RLock()
	var stalled []*Client
	for client := range h.rooms[sessionID] {
		if client == exclude {
			continue
		}
		select {
		case client.send <- raw:
		default:
			stalled = append(stalled, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stalled {
		h.logger.Printf("Dropping stalled client %s in session %s", client.remoteAddr, sessionID)
		h.Unregister(client)
		client.conn.Close()
	}
}

// NotifySessionExpired tells every connected member the session timed out,
// then unbinds them and tears the room down. Their connections stay open so
// they can rejoin.
func (h *Hub) NotifySessionExpired(sessionID, message string) {
	h.BroadcastToSession(sessionID, nil, models.EventSessionExpired,
		models.SessionExpiredNotice{SessionID: sessionID, Message: message})

	h.mu.Lock()
	room := h.rooms[sessionID]
	delete(h.rooms, sessionID)
	h.mu.Unlock()

	for client := range room {
		client.Unbind()
	}
}

// SessionClients returns the connected clients of a session.
func (h *Hub) SessionClients(sessionID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room := h.rooms[sessionID]
	out := make([]*Client, 0, len(room))
	for client := range room {
		out = append(out, client)
	}
	return out
}

// ConnectionCount returns the number of connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
