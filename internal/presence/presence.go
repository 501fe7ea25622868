// Package presence derives online/offline edges from connection
// registrations. Only the 0→1 and 1→0 changes in a user's live-connection
// count produce broadcasts; extra devices come and go silently.
package presence

import (
	"encoding/json"
	"log"
	"time"

	"github.com/StarryCod/void-mes-sub000/internal/metrics"
	"github.com/StarryCod/void-mes-sub000/internal/model"
	"github.com/StarryCod/void-mes-sub000/internal/registry"
)

// Broadcaster is the delivery surface the tracker needs from the relay.
type Broadcaster interface {
	SendToUser(userID string, env model.Envelope) (int, error)
	BroadcastExcept(exceptUserID string, env model.Envelope)
}

// Tracker owns the user-to-connections view and its edge transitions.
type Tracker struct {
	reg     *registry.Registry
	relay   Broadcaster
	metrics metrics.Collector
	now     func() time.Time
}

// New creates a tracker over the registry, broadcasting through relay.
func New(reg *registry.Registry, relay Broadcaster, m metrics.Collector) *Tracker {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Tracker{reg: reg, relay: relay, metrics: m, now: time.Now}
}

// Register binds a connection to a user. On the user's first connection it
// broadcasts an online event to everyone else and delivers the who's-online
// snapshot to the newcomer. Re-registering the same connection is a no-op
// beyond refreshing the activity timestamp. A rebind to a different user is
// treated as a disconnect for the old one: when the connection was that
// user's last, the offline event fires. An empty user id is logged and
// leaves the connection unassociated.
func (t *Tracker) Register(connID, userID string) error {
	if userID == "" {
		log.Printf("Ignoring registration with empty user id on connection %s", connID)
		return model.ErrMalformedRegistration
	}

	first, prevUser, prevLast, ok := t.reg.Bind(connID, userID)
	if !ok {
		// Connection vanished between accept and register.
		return nil
	}
	if prevLast {
		t.broadcastOffline(prevUser, connID)
	}
	if !first {
		return nil
	}

	log.Printf("User %s online (connection %s)", userID, connID)
	t.metrics.UserOnline()

	t.relay.BroadcastExcept(userID, model.Envelope{
		Kind:   model.KindPresence,
		Action: model.ActionOnline,
		Data:   mustPresenceData(model.PresenceData{UserID: userID, Timestamp: t.nowMillis()}),
	})

	// The snapshot is the only bulk-state transfer in the system: presence
	// is not derivable from a log, so the newcomer gets told who is online.
	others := make([]string, 0)
	for _, id := range t.reg.UserIDs() {
		if id != userID {
			others = append(others, id)
		}
	}
	t.relay.SendToUser(userID, model.Envelope{
		Kind:   model.KindPresence,
		Action: model.ActionSnapshot,
		Data:   mustPresenceData(model.PresenceData{Users: others, Timestamp: t.nowMillis()}),
	})
	return nil
}

// Disconnect removes a connection, reporting whether it was still
// registered. When it was the user's last one, the user goes offline and
// everyone else is told. Idempotent: a connection already removed (heartbeat
// eviction racing the read loop's own cleanup) is a no-op.
func (t *Tracker) Disconnect(connID string) bool {
	userID, last, existed := t.reg.Remove(connID)
	if !existed {
		return false
	}
	if userID == "" || !last {
		return true
	}

	t.broadcastOffline(userID, connID)
	return true
}

// broadcastOffline emits the 1→0 edge for a user, shared by the disconnect
// and rebind paths.
func (t *Tracker) broadcastOffline(userID, connID string) {
	log.Printf("User %s offline (last connection %s detached)", userID, connID)
	t.metrics.UserOffline()

	t.relay.BroadcastExcept(userID, model.Envelope{
		Kind:   model.KindPresence,
		Action: model.ActionOffline,
		Data:   mustPresenceData(model.PresenceData{UserID: userID, Timestamp: t.nowMillis()}),
	})
}

// Online reports whether a user has at least one live connection.
func (t *Tracker) Online(userID string) bool {
	return len(t.reg.Connections(userID)) > 0
}

// OnlineUsers returns the ids of all currently-online users.
func (t *Tracker) OnlineUsers() []string {
	return t.reg.UserIDs()
}

func (t *Tracker) nowMillis() int64 {
	return t.now().UnixNano() / int64(time.Millisecond)
}

func mustPresenceData(d model.PresenceData) []byte {
	data, _ := json.Marshal(d)
	return data
}
