package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/deepsea-ai/nereid/internal/model"
	"github.com/deepsea-ai/nereid/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second // must be below wsPongWait
)

// Hub fans job updates out to connected WebSocket clients. It implements
// pipeline.Notifier: the runner calls Publish after every state change and
// the hub snapshots the job and its stages from the store, so clients
// always receive store-consistent state rather than runner-local state.
type Hub struct {
	store    *store.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// wsClient is one connected dashboard. Writes go through the buffered send
// channel so one slow client never blocks the broadcast path.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a Hub backed by the given store.
func NewHub(st *store.Store, logger *slog.Logger) *Hub {
	return &Hub{
		store:  st,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served same-origin; cross-origin dashboards
			// in dev connect through the Vite proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish broadcasts the current state of a job to every client.
// Unknown job IDs are ignored; the job may have been purged.
func (h *Hub) Publish(jobID uuid.UUID) {
	job, err := h.store.Job(jobID)
	if err != nil {
		return
	}
	event := model.JobUpdateEvent{
		Type: model.JobUpdateEventType,
		Data: model.JobSnapshot{
			Job:    job,
			Stages: h.store.StagesByJob(jobID),
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("hub: marshal job update", "job_id", jobID, "error", err)
		return
	}
	h.broadcast(payload)
}

// broadcast sends a payload to all clients. Clients with a full send buffer
// have this event dropped; they catch up on the next one.
func (h *Hub) broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

// HandleWS handles GET /ws: upgrades the connection and pumps job updates
// until the client disconnects. The connection is one-way; inbound frames
// are read only to service close and pong handling.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("hub: upgrade failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("hub: client connected", "clients", h.ClientCount())

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound messages and returns when the connection dies.
// It owns connection teardown.
func (h *Hub) readPump(c *wsClient) {
	defer h.drop(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump serializes all writes for one client: broadcast payloads and
// keepalive pings. Any write error drops the client.
func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(wsWriteWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// drop unregisters a client and closes its connection. Safe to call from
// both pumps; the second call is a no-op.
func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	_, registered := h.clients[c]
	if registered {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if registered {
		_ = c.conn.Close()
		h.logger.Info("hub: client disconnected", "clients", h.ClientCount())
	}
}
