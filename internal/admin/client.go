package admin

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

const (
	// sendBuffer bounds the per-client queue. A client that cannot drain
	// this many frames loses events rather than stalling the bus.
	sendBuffer = 256

	writeWait = 10 * time.Second
)

// eventFrame is the wire shape of one event on the /ws feed.
type eventFrame struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
	TS      time.Time `json:"ts"`
}

// wsClient is one connected WebSocket consumer.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan eventFrame

	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(id string, conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   id,
		conn: conn,
		send: make(chan eventFrame, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue queues an event for delivery, dropping it if the client is slow.
// The send channel is never closed, so a late enqueue after close is safe.
func (c *wsClient) enqueue(event bus.Event) {
	frame := eventFrame{
		Event:   event.Name,
		Payload: event.Payload,
		TS:      time.Now().UTC(),
	}
	select {
	case c.send <- frame:
	default:
		slog.Debug("dropping event for slow admin client", "id", c.id, "event", event.Name)
	}
}

// writePump drains the send queue onto the connection until the client
// closes or a write fails.
func (c *wsClient) writePump() {
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				slog.Debug("admin client write failed", "id", c.id, "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readUntilClosed consumes inbound frames, which the feed ignores, so the
// connection close is observed promptly. Blocks until the peer disconnects.
func (c *wsClient) readUntilClosed() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.close()
			return
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
