package infra

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/clanops/rustmap/internal/metrics"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
	wsSendBuffer     = 64
)

// WSHub manages dashboard WebSocket connections and room-based fan-out.
// Rooms are server scoped ("server:{id}").
type WSHub struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]*WSConn // room -> connID -> conn
	upgrader websocket.Upgrader
	logger   *slog.Logger
	closed   bool
}

// WSConn is one subscriber. Send is closed by the hub on Shutdown.
type WSConn struct {
	ID   string
	Room string
	Send chan []byte
}

// WSMessage is the payload sent over WebSocket.
type WSMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// NewWSHub creates a hub whose upgrader accepts the given CORS origins.
// A "*" entry accepts any origin.
func NewWSHub(allowedOrigins []string, logger *slog.Logger) *WSHub {
	h := &WSHub{
		rooms:  make(map[string]map[string]*WSConn),
		logger: logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), r.Host, allowedOrigins)
		},
	}
	return h
}

func originAllowed(origin, host string, allowed []string) bool {
	for _, o := range allowed {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == host {
		return true
	}
	for _, o := range allowed {
		if strings.EqualFold(strings.TrimRight(strings.TrimSpace(o), "/"), origin) {
			return true
		}
	}
	return false
}

// Join adds a connection to its room. It returns false once the hub is shut down.
func (h *WSHub) Join(conn *WSConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.rooms[conn.Room] == nil {
		h.rooms[conn.Room] = make(map[string]*WSConn)
	}
	h.rooms[conn.Room][conn.ID] = conn
	metrics.LiveClients.Inc()
	return true
}

// Leave removes a connection from a room.
func (h *WSHub) Leave(room string, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[room]
	if !ok {
		return
	}
	if _, ok := conns[connID]; !ok {
		return
	}
	delete(conns, connID)
	metrics.LiveClients.Dec()
	if len(conns) == 0 {
		delete(h.rooms, room)
	}
}

// Publish sends a message to all connections in a room. Slow consumers
// whose buffer is full miss the message.
func (h *WSHub) Publish(room string, event string, data interface{}) {
	payload, err := json.Marshal(WSMessage{Event: event, Data: data})
	if err != nil {
		h.logger.Error("ws marshal error", "error", err, "room", room, "event", event)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.rooms[room] {
		select {
		case conn.Send <- payload:
		default:
			h.logger.Warn("ws send buffer full", "conn_id", conn.ID, "room", room)
		}
	}
}

// ConnectionCount returns the total number of active connections.
func (h *WSHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, conns := range h.rooms {
		count += len(conns)
	}
	return count
}

// RoomCount returns the number of active rooms.
func (h *WSHub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Shutdown closes all connections gracefully. Later upgrades are refused.
func (h *WSHub) Shutdown(_ context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for room, conns := range h.rooms {
		for _, conn := range conns {
			close(conn.Send)
		}
		delete(h.rooms, room)
	}
	metrics.LiveClients.Set(0)
}

// ServeWS upgrades the request and streams room messages to the client
// until it disconnects or the hub shuts down.
func (h *WSHub) ServeWS(w http.ResponseWriter, r *http.Request, room string) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("ws upgrade failed", "error", err, "room", room)
		return
	}

	conn := &WSConn{ID: uuid.NewString(), Room: room, Send: make(chan []byte, wsSendBuffer)}
	if !h.Join(conn) {
		// Shutdown ran while the upgrade was in flight.
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(wsWriteWait))
		_ = ws.Close()
		return
	}
	h.logger.Info("live client connected", "conn_id", conn.ID, "room", room)

	done := make(chan struct{})
	go h.writePump(ws, conn, done)
	h.readPump(ws, conn)
	close(done)
}

// readPump discards client frames and exists to process control messages.
func (h *WSHub) readPump(ws *websocket.Conn, conn *WSConn) {
	defer func() {
		h.Leave(conn.Room, conn.ID)
		_ = ws.Close()
		h.logger.Info("live client disconnected", "conn_id", conn.ID, "room", conn.Room)
	}()

	ws.SetReadLimit(wsMaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("ws read error", "error", err, "conn_id", conn.ID)
			}
			return
		}
	}
}

// writePump stops when done closes (client went away) or Send closes (shutdown).
func (h *WSHub) writePump(ws *websocket.Conn, conn *WSConn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-conn.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
