package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"taskorch/internal/logging"
)

const pingInterval = 30 * time.Second

// Conn wraps one accepted WebSocket connection with an id and a
// bounded outbound queue. Reads dispatch the ping/subscribe client
// protocol; writes are serialized onto a single goroutine per
// connection so concurrent broadcasts never race on the socket.
type Conn struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func newConn(raw *websocket.Conn, hub *Hub) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		conn: raw,
		send: make(chan []byte, 64),
		hub:  hub,
	}
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump(ctx context.Context, projectID string, logger logging.Logger) {
	defer c.hub.unregisterConn(c)
	c.conn.SetReadLimit(32768)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && status != websocket.StatusNoStatusRcvd {
				logger.Warn("ws connection %s read error: %v", c.id, err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}

		switch msg.Type {
		case "ping":
			c.sendJSON(PongMessage{Type: "pong", Timestamp: nowStamp()})
		case "subscribe":
			if msg.ProjectID == "" {
				c.sendError("subscribe requires project_id")
				continue
			}
			c.hub.subscribe(c, msg.ProjectID)
		default:
			c.sendError("unknown message type: " + msg.Type)
		}
	}
}

func (c *Conn) sendError(message string) {
	c.sendJSON(ErrorMessage{Type: "error", Message: message})
}

func (c *Conn) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
