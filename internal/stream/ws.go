package stream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/kiroku/internal/model"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 4096
)

// WSFrame is the JSON message sent over a WebSocket stream.
type WSFrame struct {
	Type  string       `json:"type"` // "event" or "keepalive"
	Event *model.Event `json:"event,omitempty"`
}

// WebSocketHandler upgrades requests and streams one run per connection.
type WebSocketHandler struct {
	publisher *Publisher
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewWebSocketHandler creates a handler. checkOrigin may be nil, in which
// case gorilla's same-origin check applies.
func NewWebSocketHandler(p *Publisher, checkOrigin func(*http.Request) bool, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		publisher: p,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Serve upgrades the connection and streams runID from afterID until the
// client disconnects or ctx ends. The caller has already validated the run
// and cursor, since errors after the upgrade can only close the socket.
func (h *WebSocketHandler) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, runID, afterID int64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Debug("stream: websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The read side only watches for close; client messages are ignored.
	conn.SetReadLimit(wsReadLimit)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	emit := func(f Frame) error {
		msg := WSFrame{Type: "keepalive"}
		if !f.Keepalive() {
			msg = WSFrame{Type: "event", Event: f.Event}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg)
	}

	err = h.publisher.Stream(ctx, runID, afterID, false, emit)
	code, text := websocket.CloseNormalClosure, ""
	if err != nil {
		h.logger.Warn("stream: websocket stream ended", "run_id", runID, "error", err)
		code, text = websocket.CloseInternalServerErr, "stream error"
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
