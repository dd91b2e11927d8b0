package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"dotracing/auth"
	"dotracing/live"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Client is one websocket connection. Its session and subscriptions are
// touched only from its read loop.
type Client struct {
	id      string
	manager *Manager
	conn    *websocket.Conn
	session auth.Session
	subs    *live.Manager
	force   *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

var _ live.Emitter = (*Client)(nil)

// Emit pushes event to this client only.
func (c *Client) Emit(event string, data any) {
	c.write(Outbound{Event: event, Data: data})
}

func (c *Client) write(out Outbound) {
	data, err := json.Marshal(out)
	if err != nil {
		slog.Error("failed to marshal message", "client", c.id, "event", out.Event, "err", err)
		return
	}
	c.deliver(data)
}

// deliver enqueues a frame without blocking. A frame for a full buffer is
// dropped.
func (c *Client) deliver(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		slog.Warn("client send buffer full", "client", c.id)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) readPump() {
	defer func() {
		c.manager.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Warn("websocket error", "client", c.id, "err", err)
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(bytes.TrimSpace(message), &in); err != nil {
			slog.Debug("failed to unmarshal message", "client", c.id, "err", err)
			continue
		}
		c.manager.dispatch(c, &in)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
