package transport

import (
	"log"
	"sync"
	"time"

	"github.com/StarryCod/void-mes-sub000/internal/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Options tunes a WebSocket connection's pumps.
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultOptions returns the pump tuning used when a field is zero.
func DefaultOptions() Options {
	return Options{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     25 * time.Second,
		MaxMessageSize: 65536,
		SendBuffer:     256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = d.PingPeriod
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	return o
}

// WSConn adapts a gorilla WebSocket connection to the Conn interface. Writes
// go through a buffered channel drained by WriteLoop; reads are pulled by
// ReadLoop on the accepting goroutine.
type WSConn struct {
	id   string
	conn *websocket.Conn
	opts Options

	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewWSConn wraps an upgraded WebSocket connection.
func NewWSConn(conn *websocket.Conn, opts Options) *WSConn {
	o := opts.withDefaults()
	return &WSConn{
		id:   uuid.NewString(),
		conn: conn,
		opts: o,
		send: make(chan []byte, o.SendBuffer),
		done: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *WSConn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *WSConn) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// Send queues data for the write pump without blocking.
func (c *WSConn) Send(data []byte) error {
	select {
	case <-c.done:
		return model.ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return model.ErrSendBufferFull
	}
}

// Close tears the connection down. Idempotent.
func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// ReadLoop pulls frames off the wire until the connection dies, invoking
// onMessage per frame and onActivity on every frame and pong. It blocks;
// the caller runs it on the connection's own goroutine.
func (c *WSConn) ReadLoop(onMessage func(data []byte), onActivity func()) {
	defer c.Close()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if onActivity != nil {
			onActivity()
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("Connection %s read error: %v", c.id, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if onActivity != nil {
			onActivity()
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

// WriteLoop drains the send channel onto the wire and keeps the connection
// alive with periodic pings. Queued frames are batched into one WebSocket
// message separated by newlines.
func (c *WSConn) WriteLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(c.opts.WriteWait))
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
