package api

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Errors returned by a connection's Send.
var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("slow consumer: outbound queue full")
)

// ConnConfig tunes every websocket connection.
type ConnConfig struct {
	SendBuffer     int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	return c
}

// wsConn is the registry-facing side of one websocket. Send only enqueues;
// a single writer goroutine owns the socket's write half.
type wsConn struct {
	ws  *websocket.Conn
	cfg ConnConfig
	out chan []byte

	closeOnce sync.Once
	done      chan struct{}
	onSlow    func()
}

func newWSConn(ws *websocket.Conn, cfg ConnConfig) *wsConn {
	return &wsConn{
		ws:   ws,
		cfg:  cfg,
		out:  make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues frame for the writer. A full queue closes the connection.
func (c *wsConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
	}
	c.closeWith(c.onSlow)
	return ErrSlowConsumer
}

func (c *wsConn) Close() {
	c.closeWith(nil)
}

func (c *wsConn) closeWith(fn func()) {
	c.closeOnce.Do(func() {
		if fn != nil {
			fn()
		}
		close(c.done)
		// Unblocks the reader; the writer exits on done.
		_ = c.ws.Close()
	})
}

// Done is closed once the connection is shut down.
func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

// writeLoop drains the outbound queue and keeps the peer alive with pings.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		}
	}
}

// readLoop hands every text message to handle until the peer goes away or
// misses the pong deadline.
func (c *wsConn) readLoop(handle func(msg []byte)) error {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})
	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.Close()
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		handle(msg)
	}
}
