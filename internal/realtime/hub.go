// Package realtime pushes message and status events to connected agent
// sessions. Delivery is best effort: a session that cannot keep up loses
// events instead of slowing the pipeline.
package realtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"omnigate/internal/domain"
	"omnigate/internal/observability"
)

const (
	sessionBuffer  = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Hub fans events out to the WebSocket sessions of this process.
type Hub struct {
	token    string
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[*session]struct{}
}

type session struct {
	hub  *Hub
	conn *websocket.Conn
	// empty means every account
	account string
	send    chan []byte
}

// NewHub returns a hub accepting sessions that present token.
func NewHub(token string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		token:    token,
		log:      log,
		sessions: make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Notify queues ev for every matching session without blocking.
func (h *Hub) Notify(ctx context.Context, ev domain.RealtimeEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.broadcast(ev.AccountID, b)
	return nil
}

func (h *Hub) broadcast(accountID string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if s.account != "" && s.account != accountID {
			continue
		}
		select {
		case s.send <- msg:
		default:
			observability.RealtimeDropped.Inc()
		}
	}
}

// Sessions returns the number of connected sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) authorized(r *http.Request) bool {
	got := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		got = strings.TrimPrefix(auth, "Bearer ")
	}
	return h.token != "" && subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// ServeWS upgrades an agent connection. The optional account query
// parameter narrows the session to one channel account.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		h.log.Warn("realtime session rejected", "remote", r.RemoteAddr)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	s := &session{
		hub:     h,
		conn:    conn,
		account: r.URL.Query().Get("account"),
		send:    make(chan []byte, sessionBuffer),
	}
	h.register(s)

	go s.writePump()
	go s.readPump()
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()
	h.log.Info("realtime session connected", "account_id", s.account, "sessions", n)
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
		close(s.send)
	}
	n := len(h.sessions)
	h.mu.Unlock()
	h.log.Info("realtime session closed", "account_id", s.account, "sessions", n)
}

// readPump only drains control frames; agents do not send events.
func (s *session) readPump() {
	defer func() {
		s.hub.unregister(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.log.Warn("realtime read failed", "err", err)
			}
			return
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one JSON event per frame
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
