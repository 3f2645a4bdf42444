package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"data-sync-bridge/internal/syncengine"
)

// StreamMessage is the envelope pushed to websocket subscribers.
type StreamMessage struct {
	Type      string                `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Result    syncengine.SyncResult `json:"result"`
}

// Hub fans sync results out to websocket subscribers. Dashboards and
// long-running collaborator scripts use it to react to sync outcomes
// without polling the status endpoint.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logrus.Entry

	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

// NewHub creates an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Admin API binds to loopback by default; origin checks
				// are left to a fronting proxy when exposed further.
				return true
			},
		},
		logger: logger.WithField("component", "api-stream"),
		conns:  make(map[*websocket.Conn]bool),
	}
}

// HandleStream upgrades the request and subscribes it to sync results
// until the client disconnects.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.conns[conn] = true
	count := len(h.conns)
	h.mu.Unlock()
	h.logger.WithField("subscribers", count).Debug("Stream subscriber connected")

	// Reads are discarded; the stream is one-way. The read loop exists to
	// notice the disconnect.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends a sync result to every subscriber, dropping connections
// that fail to accept the write.
func (h *Hub) Broadcast(result syncengine.SyncResult) {
	msg := StreamMessage{
		Type:      "sync_result",
		Timestamp: time.Now().UTC(),
		Result:    result,
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.WriteJSON(msg); err != nil {
			h.logger.WithError(err).Debug("Dropping unresponsive stream subscriber")
			h.drop(c)
		}
	}
}

// CloseAll disconnects every subscriber.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*websocket.Conn]bool)
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
	}
	h.mu.Unlock()
	conn.Close()
}
