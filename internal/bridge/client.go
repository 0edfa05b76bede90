// ABOUTME: One connected UI client: a read pump dispatching commands and a write pump draining its queue
// ABOUTME: A client whose queue fills up is disconnected rather than slowing the bus

package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-mux/internal/protocol"
)

type client struct {
	id      string
	subject string
	server  *Server
	conn    *websocket.Conn
	send    chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(s *Server, conn *websocket.Conn, subject string) *client {
	return &client{
		id:      uuid.New().String(),
		subject: subject,
		server:  s,
		conn:    conn,
		send:    make(chan []byte, s.opts.SendBuffer),
		done:    make(chan struct{}),
	}
}

// enqueue queues a frame without blocking. It reports false when the queue
// is full or the client is gone.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) sendEnvelope(env protocol.Envelope) {
	data, err := encodeEnvelope(env)
	if err != nil {
		c.server.logger.Warn("failed to encode envelope", "type", env.Type, "error", err)
		return
	}
	if !c.enqueue(data) {
		c.server.logger.Warn("bridge client queue full", "client_id", c.id, "type", env.Type)
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("bridge read failed", "client_id", c.id, "error", err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendEnvelope(errorEnvelope("", err))
			continue
		}
		c.server.dispatch(c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func encodeEnvelope(env protocol.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
