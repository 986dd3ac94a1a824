package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 10
	sendQueue      = 16
)

// Client is one subscriber with its own writer goroutine.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	once      sync.Once
	backendID atomic.Int64
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendQueue),
		done: make(chan struct{}),
	}
}

// BackendID is the explicit binding, 0 follows the active backend.
func (c *Client) BackendID() int64 { return c.backendID.Load() }

// enqueue never blocks; a full queue drops the frame for this subscriber only.
func (c *Client) enqueue(frame []byte) bool {
	if frame == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		hubLog.Debugf("subscriber %s is slow, frame dropped", c.conn.RemoteAddr())
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.remove(c)
		_ = c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := c.hub.clock.NewTicker(pingPeriod, "hub", "ping")
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				hubLog.Debugf("write %s: %v", c.conn.RemoteAddr(), err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				hubLog.Debugf("read %s: %v", c.conn.RemoteAddr(), err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		hubLog.Debugf("bad frame from %s: %v", c.conn.RemoteAddr(), err)
		return
	}
	switch m.Type {
	case TypePing:
		c.enqueue(c.hub.encode(Message{Type: TypePong}))
	case TypeSubscribe:
		ctx := context.Background()
		if m.BackendID <= 0 {
			hubLog.Warnf("subscriber %s sent subscribe without backendId", c.conn.RemoteAddr())
			return
		}
		if _, err := c.hub.backends.Get(ctx, m.BackendID); err != nil {
			hubLog.Warnf("subscriber %s asked for unknown backend %d", c.conn.RemoteAddr(), m.BackendID)
			return
		}
		c.backendID.Store(m.BackendID)
		c.hub.push(ctx, c, nil)
	default:
		hubLog.Debugf("ignoring %q frame", m.Type)
	}
}
