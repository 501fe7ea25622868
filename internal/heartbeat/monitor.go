// Package heartbeat runs the background sweep that keeps presence honest
// when clients vanish without a close frame: mobile suspension, power loss,
// crashes. Per-connection ping/pong cadence lives in the transport pumps;
// this monitor enforces the absolute inactivity bound.
package heartbeat

import (
	"log"
	"sync"
	"time"

	"github.com/StarryCod/void-mes-sub000/internal/metrics"
	"github.com/StarryCod/void-mes-sub000/internal/registry"
)

// Disconnector is the cascade entry point: evicting a connection must look
// exactly like a normal disconnect (deregistration, offline broadcast).
type Disconnector interface {
	Disconnect(connID string)
}

// CallReaper reaps stale call sessions in the same sweep pass.
type CallReaper interface {
	Sweep() int
}

// Monitor periodically scans for users whose last activity exceeds the
// inactivity bound and force-closes all their connections.
type Monitor struct {
	reg           *registry.Registry
	presence      Disconnector
	calls         CallReaper
	metrics       metrics.Collector
	inactiveAfter time.Duration
	interval      time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a monitor. interval <= 0 selects one minute; inactiveAfter
// <= 0 selects sixty seconds.
func New(reg *registry.Registry, presence Disconnector, calls CallReaper, m metrics.Collector, inactiveAfter, interval time.Duration) *Monitor {
	if m == nil {
		m = metrics.Noop{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if inactiveAfter <= 0 {
		inactiveAfter = 60 * time.Second
	}
	return &Monitor{
		reg:           reg,
		presence:      presence,
		calls:         calls,
		metrics:       m,
		inactiveAfter: inactiveAfter,
		interval:      interval,
		stop:          make(chan struct{}),
	}
}

// Start runs the sweep loop on its own goroutine.
func (m *Monitor) Start() {
	go m.loop()
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.SweepOnce()
		case <-m.stop:
			return
		}
	}
}

// SweepOnce performs one sweep pass: evict connections of inactive users,
// then reap stale call sessions. Exposed so tests can drive it directly.
func (m *Monitor) SweepOnce() {
	for _, userID := range m.reg.IdleUsers(m.inactiveAfter) {
		conns := m.reg.Connections(userID)
		log.Printf("Heartbeat timeout for user %s, evicting %d connection(s)", userID, len(conns))
		for _, conn := range conns {
			m.metrics.ConnectionEvicted()
			conn.Close()
			// The read loop's own cleanup may race this; Disconnect is
			// idempotent either way.
			m.presence.Disconnect(conn.ID())
		}
	}

	if m.calls != nil {
		if reaped := m.calls.Sweep(); reaped > 0 {
			log.Printf("Reaped %d stale call session(s)", reaped)
		}
	}
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}
