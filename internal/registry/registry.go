// Package registry owns the connection-id to connection-handle and
// connection-id to user-id mappings. It is the only component allowed to
// mutate them; everything else goes through its operations.
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/StarryCod/void-mes-sub000/internal/transport"
)

type entry struct {
	conn      transport.Conn
	userID    string
	createdAt time.Time
	lastSeen  time.Time
}

// Registry maps live connections to their handles and owning users.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*entry
	users    map[string]map[string]struct{}
	activity map[string]time.Time

	now func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns:    make(map[string]*entry),
		users:    make(map[string]map[string]struct{}),
		activity: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Add records a freshly accepted connection. The connection stays
// unassociated until Bind is called for it.
func (r *Registry) Add(conn transport.Conn) {
	r.mu.Lock()
	now := r.now()
	r.conns[conn.ID()] = &entry{conn: conn, createdAt: now, lastSeen: now}
	r.mu.Unlock()
}

// Bind associates a connection with a user. It is idempotent: binding the
// same connection to the same user again changes nothing. first reports
// whether this was the user's 0→1 edge; ok reports whether the connection is
// known. A rebind to a different user detaches the connection from the old
// set first, and prevUser/prevLast report who that was and whether losing
// this connection was that user's 1→0 edge, so the caller can emit the
// offline event the detach implies. The edge checks and the set mutations
// happen under one lock so two near-simultaneous binds cannot both observe
// size zero.
func (r *Registry) Bind(connID, userID string) (first bool, prevUser string, prevLast, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	e, exists := r.conns[connID]
	if !exists {
		return false, "", false, false
	}
	if e.userID == userID {
		r.activity[userID] = now
		return false, "", false, true
	}
	if e.userID != "" {
		log.Printf("Connection %s rebinding from user %s to %s", connID, e.userID, userID)
		prevUser = e.userID
		prevLast = r.detachLocked(connID, e.userID)
	}

	e.userID = userID
	set, exists := r.users[userID]
	if !exists {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	first = len(set) == 0
	set[connID] = struct{}{}
	r.activity[userID] = now
	return first, prevUser, prevLast, true
}

// detachLocked removes connID from userID's set, dropping the set and the
// activity record when it empties. Caller holds the write lock.
func (r *Registry) detachLocked(connID, userID string) (last bool) {
	set, exists := r.users[userID]
	if !exists {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, userID)
		delete(r.activity, userID)
		return true
	}
	return false
}

// Remove deregisters a connection. It reports the owning user (empty if the
// connection was never bound) and whether this was the user's last
// connection. Removing an unknown connection is a no-op.
func (r *Registry) Remove(connID string) (userID string, last, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.conns[connID]
	if !exists {
		return "", false, false
	}
	delete(r.conns, connID)
	if e.userID == "" {
		return "", false, true
	}
	return e.userID, r.detachLocked(connID, e.userID), true
}

// Conn returns the handle for a connection id.
func (r *Registry) Conn(connID string) (transport.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.conns[connID]
	if !exists {
		return nil, false
	}
	return e.conn, true
}

// UserOf returns the user a connection is bound to, if any.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.conns[connID]
	if !exists || e.userID == "" {
		return "", false
	}
	return e.userID, true
}

// Connections returns the live handles of a user's connections. Unknown
// users get an empty slice, never an error.
func (r *Registry) Connections(userID string) []transport.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, exists := r.users[userID]
	if !exists {
		return nil
	}
	conns := make([]transport.Conn, 0, len(set))
	for connID := range set {
		if e, ok := r.conns[connID]; ok {
			conns = append(conns, e.conn)
		}
	}
	return conns
}

// ForEach applies fn to every live connection of a user. The connection list
// is snapshotted first, so a connection disappearing mid-iteration is simply
// skipped by its own Send failing, never a panic here.
func (r *Registry) ForEach(userID string, fn func(conn transport.Conn)) {
	for _, conn := range r.Connections(userID) {
		fn(conn)
	}
}

// Touch refreshes a connection's last-seen timestamp and, if bound, its
// user's last-activity timestamp.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	e, exists := r.conns[connID]
	if !exists {
		return
	}
	e.lastSeen = now
	if e.userID != "" {
		r.activity[e.userID] = now
	}
}

// IdleUsers returns the users whose last activity is older than bound.
func (r *Registry) IdleUsers(bound time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-bound)

	var idle []string
	for userID, seen := range r.activity {
		if seen.Before(cutoff) {
			idle = append(idle, userID)
		}
	}
	return idle
}

// UserIDs returns the ids of all users with at least one live connection.
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.users))
	for userID := range r.users {
		ids = append(ids, userID)
	}
	return ids
}

// ConnCount returns the number of live connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserCount returns the number of users with at least one live connection.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// CloseAll force-closes every connection, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]transport.Conn, 0, len(r.conns))
	for _, e := range r.conns {
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// SetClock overrides the wall clock, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}
