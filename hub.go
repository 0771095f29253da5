package main

import (
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// UIUpdate is the push payload sent to connected views over the websocket
// event stream.
type UIUpdate struct {
	NodeID   string     `json:"node_id"`
	Username string     `json:"username"`
	Role     string     `json:"role"`
	LeaderID string     `json:"leader_id,omitempty"`
	Peers    []PeerInfo `json:"peers"`
	Snapshot Snapshot   `json:"state"`
	LogLine  string     `json:"log_line,omitempty"`
}

// EventHub fans UIUpdate frames out to every connected view. Writes are
// serialised by the hub lock; a failed write drops the connection.
type EventHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]bool
	last  *UIUpdate
}

func NewEventHub() *EventHub {
	return &EventHub{conns: make(map[*websocket.Conn]bool)}
}

// Register adds a view connection and replays the most recent update so the
// view renders immediately.
func (h *EventHub) Register(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = true
	if h.last != nil {
		if err := c.WriteJSON(*h.last); err != nil {
			delete(h.conns, c)
			c.Close()
		}
	}
}

// Unregister removes and closes a view connection.
func (h *EventHub) Unregister(c *websocket.Conn) {
	h.mu.Lock()
	if h.conns[c] {
		delete(h.conns, c)
		c.Close()
	}
	h.mu.Unlock()
}

// Push broadcasts an update to every view, dropping connections whose
// writes fail.
func (h *EventHub) Push(u UIUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &u
	for c := range h.conns {
		if err := c.WriteJSON(u); err != nil {
			log.Printf("[hub] view write: %v", err)
			delete(h.conns, c)
			c.Close()
		}
	}
}

// Logf re-sends the most recent update with a formatted log line attached;
// that update, line included, becomes the one replayed to new views.
func (h *EventHub) Logf(format string, args ...any) {
	h.mu.Lock()
	line := fmt.Sprintf(format, args...)
	var u UIUpdate
	if h.last != nil {
		u = *h.last
	}
	u.LogLine = line
	h.last = &u
	for c := range h.conns {
		if err := c.WriteJSON(u); err != nil {
			delete(h.conns, c)
			c.Close()
		}
	}
	h.mu.Unlock()
}

// Count returns the number of connected views.
func (h *EventHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
