package controlapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vk/labsched/internal/ctxlog"
)

// Event is one state transition broadcast on the observation plane — a
// step or process moving into a new state, or a step's ETA being
// recomputed by a re-plan. internal/core publishes these as the Executor
// and Scheduling Instance settle work; this package never constructs one
// itself.
type Event struct {
	Type      string     `json:"type"` // "step" or "process"
	ProcessID string     `json:"process_id"`
	StepID    string     `json:"step_id,omitempty"`
	State     string     `json:"state"`
	ETA       *time.Time `json:"eta,omitempty"`
	Time      time.Time  `json:"time"`
}

// Hub broadcasts Events to every subscribed websocket connection,
// generalized from the teacher's buildpool.Coordinator worker-connection
// handling (one upgrader, one goroutine per connection, a registry of live
// connections under a mutex) from "bidirectional worker protocol" down to
// "server pushes, client only ever reads."
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]chan Event
}

// NewHub creates an observation-plane Hub. CheckOrigin always allows,
// matching the teacher's own coordinator — this is an internal operator
// surface, not a public one.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:    make(map[*websocket.Conn]chan Event),
	}
}

// Publish broadcasts ev to every currently-subscribed connection. A
// connection whose outgoing buffer is full is skipped for this event
// rather than blocking the publisher — a slow subscriber should not stall
// internal/core's single writer.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.conns {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ServeWS upgrades an HTTP request to a websocket connection and streams
// every subsequently published Event to it until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	logger := ctxlog.FromContext(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("observation plane upgrade failed", "error", err)
		return
	}

	ch := make(chan Event, 64)
	h.mu.Lock()
	h.conns[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		close(ch)
		conn.Close()
	}()

	go h.drainReads(conn)

	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			logger.Error("marshal observation event failed", "error", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// drainReads discards any client-sent messages and exits (closing conn's
// read side) once the client disconnects — the observation plane is
// server-push only, but a websocket connection's read loop must still run
// for the close handshake to be detected.
func (h *Hub) drainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
