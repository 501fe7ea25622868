// Package client is the peer-side counterpart of the relay: one logical
// connection per process, re-established with exponential backoff after
// loss, with outbound messages queued while disconnected and identity
// re-registered on every reconnect.
package client

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/StarryCod/void-mes-sub000/internal/model"
	"github.com/gorilla/websocket"
)

// EventType classifies agent lifecycle events.
type EventType int

const (
	// EventConnected fires after a successful connect and re-registration.
	EventConnected EventType = iota
	// EventDisconnected fires when the connection is lost; the agent will
	// retry unless attempts are exhausted.
	EventDisconnected
	// EventReconnectExhausted fires once the retry budget is spent. The
	// agent stops; recovery needs application intervention.
	EventReconnectExhausted
)

// Event is a lifecycle notification surfaced to the application.
type Event struct {
	Type EventType
	Err  error
}

// Config tunes the agent.
type Config struct {
	URL    string
	UserID string
	Header http.Header

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int

	// QueueLimit caps the pending outbound queue. When full, the oldest
	// message is dropped and the drop is logged; senders are never blocked.
	QueueLimit int
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 512
	}
	return c
}

// Agent maintains the process's logical connection to the relay.
type Agent struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   [][]byte

	writeMu sync.Mutex

	events  chan Event
	inbound chan model.Envelope

	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

// New creates an agent. Call Start (or use Acquire) to begin connecting.
func New(cfg Config) *Agent {
	return &Agent{
		cfg:     cfg.withDefaults(),
		events:  make(chan Event, 16),
		inbound: make(chan model.Envelope, 64),
		done:    make(chan struct{}),
	}
}

// Start launches the connect/reconnect loop. Idempotent.
func (a *Agent) Start() {
	a.startOnce.Do(func() {
		go a.run()
	})
}

// Events returns the lifecycle notification channel.
func (a *Agent) Events() <-chan Event {
	return a.events
}

// Inbound returns the channel of envelopes received from the relay.
func (a *Agent) Inbound() <-chan model.Envelope {
	return a.inbound
}

// Send transmits an envelope immediately when connected, otherwise appends
// it to the pending queue for the flush that follows reconnection.
func (a *Agent) Send(env model.Envelope) error {
	raw, err := model.Encode(env)
	if err != nil {
		return err
	}

	select {
	case <-a.done:
		return model.ErrAgentClosed
	default:
	}

	a.mu.Lock()
	conn, connected := a.conn, a.connected
	a.mu.Unlock()

	if !connected {
		a.enqueue(raw)
		return nil
	}

	if err := a.write(conn, raw); err != nil {
		// The read loop will notice the dead connection; keep the
		// message for the post-reconnect flush.
		a.enqueue(raw)
		return nil
	}
	return nil
}

// Close stops the agent permanently.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.mu.Lock()
		if a.conn != nil {
			a.conn.Close()
		}
		a.mu.Unlock()
	})
}

// run is the connect/reconnect loop. attempt counts consecutive failures
// and resets to zero on every successful connect.
func (a *Agent) run() {
	attempt := 0
	for {
		select {
		case <-a.done:
			return
		default:
		}

		conn, err := a.dial()
		if err == nil {
			attempt = 0
			err = a.session(conn)
			if a.closed() {
				return
			}
			a.emit(Event{Type: EventDisconnected, Err: err})
		}

		attempt++
		if attempt > a.cfg.MaxAttempts {
			log.Printf("Giving up after %d reconnect attempts", a.cfg.MaxAttempts)
			a.emit(Event{Type: EventReconnectExhausted, Err: model.ErrReconnectExhausted})
			return
		}

		delay := backoffDelay(a.cfg.BackoffBase, a.cfg.BackoffCap, attempt)
		select {
		case <-a.done:
			return
		case <-time.After(delay):
		}
	}
}

func (a *Agent) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(a.cfg.URL, a.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// session runs one connection's lifetime: register, flush the pending
// queue in enqueue order, then read until the connection dies. Pings run on
// their own ticker; a missed pong trips the read deadline, which is treated
// exactly like a close.
func (a *Agent) session(conn *websocket.Conn) error {
	// Re-register identity before anything else flows.
	reg, err := model.Encode(model.Envelope{
		Kind: model.KindRegister,
		Data: mustRegisterData(a.cfg.UserID),
	})
	if err == nil {
		err = a.write(conn, reg)
	}
	if err != nil {
		conn.Close()
		return err
	}

	// The pending queue flushes only after a successful re-registration.
	// A Send racing the flush lands back on the queue, so loop until the
	// queue is observed empty under the same lock that flips connected;
	// otherwise that message would sit until the next reconnect.
	for {
		if err := a.flush(conn); err != nil {
			conn.Close()
			return err
		}
		a.mu.Lock()
		if len(a.pending) == 0 {
			a.conn = conn
			a.connected = true
			a.mu.Unlock()
			break
		}
		a.mu.Unlock()
	}

	a.emit(Event{Type: EventConnected})

	stopPing := make(chan struct{})
	go a.pingLoop(conn, stopPing)

	conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
		return nil
	})

	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))

		// The relay's write pump batches queued envelopes into one
		// message joined by newlines; split before decoding.
		for _, frame := range bytes.Split(data, []byte{'\n'}) {
			if len(frame) == 0 {
				continue
			}
			env, err := model.Decode(frame)
			if err != nil {
				log.Printf("Dropping undecodable frame from relay: %v", err)
				continue
			}
			select {
			case a.inbound <- env:
			default:
				log.Printf("Inbound buffer full, dropping %s envelope", env.Kind)
			}
		}
	}

	close(stopPing)

	a.mu.Lock()
	a.conn = nil
	a.connected = false
	a.mu.Unlock()

	conn.Close()
	return readErr
}

func (a *Agent) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-a.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(a.cfg.WriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// Unblock the read loop so the reconnect path runs.
				conn.Close()
				return
			}
		}
	}
}

// flush drains the pending queue in enqueue order. A failed write puts the
// remainder back at the front of the queue.
func (a *Agent) flush(conn *websocket.Conn) error {
	a.mu.Lock()
	queued := a.pending
	a.pending = nil
	a.mu.Unlock()

	for i, raw := range queued {
		if err := a.write(conn, raw); err != nil {
			a.mu.Lock()
			a.pending = append(queued[i:], a.pending...)
			a.mu.Unlock()
			return err
		}
	}
	return nil
}

func (a *Agent) enqueue(raw []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) >= a.cfg.QueueLimit {
		log.Printf("Pending queue full (%d), dropping oldest message", a.cfg.QueueLimit)
		a.pending = a.pending[1:]
	}
	a.pending = append(a.pending, raw)
}

// pendingCount reports the queue depth, for tests.
func (a *Agent) pendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Agent) write(conn *websocket.Conn, raw []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (a *Agent) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
	}
}

func (a *Agent) closed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// backoffDelay returns min(base * 2^failures, cap) with overflow guarded.
func backoffDelay(base, cap time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

func mustRegisterData(userID string) []byte {
	raw, _ := json.Marshal(model.RegisterData{UserID: userID})
	return raw
}
