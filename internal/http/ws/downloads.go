// Package ws pushes download progress to browsers over WebSocket.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/isoforge/isoforge/internal/broadcast"
	"github.com/isoforge/isoforge/internal/logctx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// clientMessage is a control frame sent by the browser.
type clientMessage struct {
	Type       string `json:"type"`
	DownloadID int64  `json:"download_id,omitempty"`
}

// Handler upgrades connections and bridges them to the broadcast hub.
type Handler struct {
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *broadcast.Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API carries no credentials and serves a local UI.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and subscribes it to progress updates.
// The watch set starts from the query string: subscribe_download=<id> for a
// single record, everything otherwise.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "err", err)

		return
	}

	all := true

	var ids []int64

	if raw := r.URL.Query().Get("subscribe_download"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			all = false
			ids = append(ids, id)
		}
	}

	if r.URL.Query().Get("subscribe_all") == "true" {
		all = true
		ids = nil
	}

	sub := h.hub.Register(all, ids...)

	logger = logger.With("client_id", sub.ID)
	logger.Debug("websocket client connected")

	// replies carries reader-generated frames (pongs) to the writer; all
	// writes to the connection happen on the writer goroutine.
	replies := make(chan broadcast.Message, 8)
	done := make(chan struct{})

	go h.readLoop(conn, sub, replies, done, logger)

	h.writeLoop(conn, sub, replies, done)

	h.hub.Remove(sub)
	conn.Close()
	logger.Debug("websocket client disconnected")
}

// readLoop consumes control frames from the client until the connection
// drops, then signals the writer through done.
func (h *Handler) readLoop(conn *websocket.Conn, sub *broadcast.Subscriber, replies chan<- broadcast.Message, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))

		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Debug("ignoring malformed client message")

			continue
		}

		switch msg.Type {
		case "subscribe":
			sub.Subscribe(msg.DownloadID)
		case "unsubscribe":
			sub.Unsubscribe(msg.DownloadID)
		case "subscribe_all":
			sub.SubscribeAll()
		case "ping":
			select {
			case replies <- broadcast.Message{Type: broadcast.TypePong}:
			default:
			}
		}
	}
}

// writeLoop owns all writes to the connection: the greeting, hub updates,
// reader replies, and keepalive pings.
func (h *Handler) writeLoop(conn *websocket.Conn, sub *broadcast.Subscriber, replies <-chan broadcast.Message, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	greeting := broadcast.Message{Type: broadcast.TypeConnected, ClientID: sub.ID}
	if err := h.writeMessage(conn, greeting); err != nil {
		return
	}

	for {
		select {
		case msg, ok := <-sub.Updates():
			if !ok {
				return
			}

			if err := h.writeMessage(conn, msg); err != nil {
				return
			}

		case msg := <-replies:
			if err := h.writeMessage(conn, msg); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}

func (h *Handler) writeMessage(conn *websocket.Conn, msg broadcast.Message) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))

	return conn.WriteJSON(msg)
}
