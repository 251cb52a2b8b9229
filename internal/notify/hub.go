package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/safety-net/internal/models"
)

const hubWriteWait = 5 * time.Second

// hubSession is one connected UI socket.
type hubSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *hubSession) send(n models.Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
	return s.conn.WriteJSON(n)
}

// Hub broadcasts notices to local UI sockets.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*hubSession
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger, checkOrigin func(r *http.Request) bool) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]*hubSession),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: checkOrigin},
		logger:   logger,
	}
}

// Add registers conn and returns its session id.
func (h *Hub) Add(conn *websocket.Conn) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.sessions[id] = &hubSession{conn: conn}
	h.mu.Unlock()
	return id
}

func (h *Hub) Remove(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Notify writes n to every session. Sessions whose write fails are dropped.
func (h *Hub) Notify(_ context.Context, n models.Notice) error {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	h.mu.RLock()
	targets := make(map[string]*hubSession, len(h.sessions))
	for id, s := range h.sessions {
		targets[id] = s
	}
	h.mu.RUnlock()

	for id, s := range targets {
		if err := s.send(n); err != nil {
			h.logger.Warn("ui socket send failed", "session_id", id, "error", err)
			h.Remove(id)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and holds the socket until the UI closes it.
// Inbound frames are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ui socket upgrade failed", "error", err)
		return
	}
	id := h.Add(conn)
	h.logger.Info("ui socket connected", "session_id", id)
	defer func() {
		h.Remove(id)
		h.logger.Info("ui socket disconnected", "session_id", id)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close drops every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*hubSession)
	h.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.Close()
	}
}
