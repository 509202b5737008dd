package broadcast

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ServeWebSocket joins an upgraded WebSocket connection to the hub and blocks
// until the peer disconnects or ctx is done. Each result line is sent as one
// text message.
func (h *Hub) ServeWebSocket(ctx context.Context, conn *websocket.Conn) {
	sub := &wsSubscriber{id: uuid.New().String(), conn: conn}
	if !h.Join(sub) {
		return
	}
	defer h.Leave(sub)
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// Reading processes control frames (ping, close); data frames are ignored
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket subscriber read error", "subscriber_id", sub.id, "error", err)
			}
			return
		}
	}
}

type wsSubscriber struct {
	id   string
	conn *websocket.Conn
}

func (w *wsSubscriber) ID() string   { return w.id }
func (w *wsSubscriber) Kind() string { return "websocket" }
func (w *wsSubscriber) Close() error { return w.conn.Close() }

func (w *wsSubscriber) WriteLine(line []byte, deadline time.Time) error {
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, line)
}
