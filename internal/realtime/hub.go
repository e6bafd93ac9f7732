// Package realtime pushes ETA snapshots to connected clients. A Hub keeps the
// local per-session groups; a Distributor decides whether updates also travel
// to sibling processes over a fan-out bus.
package realtime

import (
	"log/slog"
	"sync"
)

type Client struct {
	ID       string
	Send     chan []byte
	Identity Identity
}

func NewClient(id string, buffer int, identity Identity) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{ID: id, Send: make(chan []byte, buffer), Identity: identity}
}

// Hub groups local clients by session id.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[string]*Client
	logger *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		groups: make(map[string]map[string]*Client),
		logger: slog.With("component", "hub"),
	}
}

// Join adds c to the session group. It reports false if c was already there.
func (h *Hub) Join(sessionID string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[sessionID]
	if !ok {
		group = make(map[string]*Client)
		h.groups[sessionID] = group
	}
	if _, exists := group[c.ID]; exists {
		return false
	}
	group[c.ID] = c
	return true
}

// Leave removes c from the session group. Leaving a group c is not in is a
// no-op.
func (h *Hub) Leave(sessionID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sessionID, c)
}

// LeaveAll drops c from every group, on disconnect.
func (h *Hub) LeaveAll(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID := range h.groups {
		h.leaveLocked(sessionID, c)
	}
}

func (h *Hub) leaveLocked(sessionID string, c *Client) {
	group, ok := h.groups[sessionID]
	if !ok {
		return
	}
	delete(group, c.ID)
	if len(group) == 0 {
		delete(h.groups, sessionID)
	}
}

// Broadcast queues payload for every member of the session group and returns
// how many accepted it. A client with a full buffer misses the update.
func (h *Hub) Broadcast(sessionID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, c := range h.groups[sessionID] {
		select {
		case c.Send <- payload:
			delivered++
		default:
			h.logger.Warn("Dropping update for slow client", "client_id", c.ID, "session_id", sessionID)
		}
	}
	return delivered
}

func (h *Hub) Members(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[sessionID])
}
