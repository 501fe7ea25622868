// Package call owns the signaling state machine per call session: two peers
// negotiating through offer/answer/ICE exchange. The manager only forwards
// SDP and candidate blobs; it never parses them, and candidates arriving
// before the remote description is known are the receiving peer's problem.
package call

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/StarryCod/void-mes-sub000/internal/metrics"
	"github.com/StarryCod/void-mes-sub000/internal/model"
	"github.com/google/uuid"
)

// State is the lifecycle state of a call session. There is no terminal
// state value: reaching one removes the session.
type State string

const (
	StateRinging   State = "ringing"
	StateConnected State = "connected"
)

// Call kinds on the wire.
const (
	KindVoice = "voice"
	KindVideo = "video"
)

// DefaultStaleAfter bounds session lifetime regardless of state, so clients
// that crash without sending end cannot grow the table forever.
const DefaultStaleAfter = time.Hour

// Session is the bookkeeping for one in-progress call negotiation.
type Session struct {
	ID        string
	Caller    string
	Callee    string
	Kind      string
	State     State
	StartedAt time.Time
}

// other returns the session peer opposite to userID, or "" when userID is
// not a participant.
func (s *Session) other(userID string) string {
	switch userID {
	case s.Caller:
		return s.Callee
	case s.Callee:
		return s.Caller
	}
	return ""
}

// Deliverer is the fan-out primitive the manager borrows from the relay.
type Deliverer interface {
	SendToUser(userID string, env model.Envelope) (int, error)
}

// PresenceView is the read-only presence surface the manager needs.
type PresenceView interface {
	Online(userID string) bool
}

// pairKey identifies the unordered {caller, callee} pair.
type pairKey struct {
	a, b string
}

func newPairKey(x, y string) pairKey {
	if x < y {
		return pairKey{x, y}
	}
	return pairKey{y, x}
}

// Manager owns all call sessions. All state transitions for a given call id
// are serialized under the manager lock; deliveries happen outside it.
type Manager struct {
	deliver    Deliverer
	presence   PresenceView
	metrics    metrics.Collector
	staleAfter time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	pairs    map[pairKey]string

	now func() time.Time
}

// New creates a call manager. staleAfter <= 0 selects DefaultStaleAfter.
func New(deliver Deliverer, presence PresenceView, m metrics.Collector, staleAfter time.Duration) *Manager {
	if m == nil {
		m = metrics.Noop{}
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{
		deliver:    deliver,
		presence:   presence,
		metrics:    m,
		staleAfter: staleAfter,
		sessions:   make(map[string]*Session),
		pairs:      make(map[pairKey]string),
	}
}

// Initiate creates a session in ringing and fans the offer out to every live
// connection of the callee, so any of their devices may answer. An offline
// callee yields ErrTargetUnreachable and no session. A second initiate for a
// pair that already has an active session replaces the stale one; calls are
// not queued.
func (m *Manager) Initiate(callerID, calleeID, kind string, payload json.RawMessage) (string, error) {
	if !m.presence.Online(calleeID) {
		return "", model.ErrTargetUnreachable
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Caller:    callerID,
		Callee:    calleeID,
		Kind:      kind,
		State:     StateRinging,
		StartedAt: m.clock()(),
	}

	var replaced *Session
	m.mu.Lock()
	key := newPairKey(callerID, calleeID)
	if oldID, exists := m.pairs[key]; exists {
		replaced = m.sessions[oldID]
		delete(m.sessions, oldID)
	}
	m.sessions[sess.ID] = sess
	m.pairs[key] = sess.ID
	m.mu.Unlock()

	if replaced != nil {
		log.Printf("Call %s replaces stale session %s for pair %s/%s", sess.ID, replaced.ID, callerID, calleeID)
		m.metrics.CallEnded("replaced")
		m.notifyEnd(replaced, model.ActionCallEnd)
	}

	m.metrics.CallStarted(kind)

	offer := model.Envelope{
		Kind:   model.KindCall,
		Action: model.ActionCallStart,
		Data: encodeCallData(model.CallData{
			CallID:  sess.ID,
			From:    callerID,
			To:      calleeID,
			Kind:    kind,
			Payload: payload,
		}),
	}
	if _, err := m.deliver.SendToUser(calleeID, offer); err != nil {
		// Callee raced offline between the presence check and delivery.
		m.remove(sess.ID)
		m.metrics.CallEnded("unreachable")
		return "", model.ErrTargetUnreachable
	}
	return sess.ID, nil
}

// Answer transitions ringing→connected and relays the answer payload to
// every connection of the caller. Answering a session not in ringing is a
// no-op, which makes a double answer safe. A caller who disconnected after
// offering is reported back to the answering side as unreachable; the
// session is removed since there is nobody left to talk to.
func (m *Manager) Answer(callID string, payload json.RawMessage) error {
	m.mu.Lock()
	sess, exists := m.sessions[callID]
	if !exists || sess.State != StateRinging {
		m.mu.Unlock()
		return nil
	}
	sess.State = StateConnected
	caller, callee := sess.Caller, sess.Callee
	m.mu.Unlock()

	answer := model.Envelope{
		Kind:   model.KindCall,
		Action: model.ActionCallAnswer,
		Data: encodeCallData(model.CallData{
			CallID:  callID,
			From:    callee,
			To:      caller,
			Payload: payload,
		}),
	}
	if _, err := m.deliver.SendToUser(caller, answer); err != nil {
		m.remove(callID)
		m.metrics.CallEnded("caller_gone")
		return model.ErrTargetUnreachable
	}
	return nil
}

// Reject removes a ringing session and notifies the caller's connections.
// Rejecting an unknown or already-connected session is a no-op.
func (m *Manager) Reject(callID, byUserID string) {
	m.mu.Lock()
	sess, exists := m.sessions[callID]
	if !exists || sess.State != StateRinging {
		m.mu.Unlock()
		return
	}
	m.removeLocked(callID)
	m.mu.Unlock()

	m.metrics.CallEnded("rejected")
	m.notifyTerminal(sess, byUserID, model.ActionCallReject)
}

// End removes a session from either non-terminal state and notifies the
// other party, tolerating it being already gone. Ending an unknown session
// is a no-op: races between end-by-either-party are expected.
func (m *Manager) End(callID, byUserID string) {
	m.mu.Lock()
	sess, exists := m.sessions[callID]
	if !exists {
		m.mu.Unlock()
		return
	}
	m.removeLocked(callID)
	m.mu.Unlock()

	m.metrics.CallEnded("ended")
	m.notifyTerminal(sess, byUserID, model.ActionCallEnd)
}

// RelayCandidate forwards an ICE candidate to the party opposite the sender.
// Valid while ringing or connected; no state transition. An unknown call id
// is a silent no-op since a candidate delayed past end is expected, and a
// sender who is not a participant is ignored.
func (m *Manager) RelayCandidate(callID, fromUserID string, candidate json.RawMessage) {
	m.mu.Lock()
	sess, exists := m.sessions[callID]
	var target string
	if exists {
		target = sess.other(fromUserID)
	}
	m.mu.Unlock()

	if !exists || target == "" {
		return
	}

	env := model.Envelope{
		Kind:   model.KindCall,
		Action: model.ActionCallCandidate,
		Data: encodeCallData(model.CallData{
			CallID:  callID,
			From:    fromUserID,
			To:      target,
			Payload: candidate,
		}),
	}
	if _, err := m.deliver.SendToUser(target, env); err != nil {
		log.Printf("Call %s: candidate undeliverable to %s: %v", callID, target, err)
	}
}

// EndAllFor removes every session a user participates in, used when the
// transport layer reports the user fully gone mid-call. The surviving party
// gets a terminal notification.
func (m *Manager) EndAllFor(userID string) {
	m.mu.Lock()
	var ended []*Session
	for id, sess := range m.sessions {
		if sess.Caller == userID || sess.Callee == userID {
			m.removeLocked(id)
			ended = append(ended, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range ended {
		m.metrics.CallEnded("peer_lost")
		m.notifyTerminal(sess, userID, model.ActionCallEnd)
	}
}

// Sweep force-removes sessions older than the staleness bound regardless of
// state and notifies both parties. It returns the number reaped.
func (m *Manager) Sweep() int {
	cutoff := m.clock()().Add(-m.staleAfter)

	m.mu.Lock()
	var reaped []*Session
	for id, sess := range m.sessions {
		if sess.StartedAt.Before(cutoff) {
			m.removeLocked(id)
			reaped = append(reaped, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range reaped {
		log.Printf("Reaping stale call %s (%s → %s, state %s)", sess.ID, sess.Caller, sess.Callee, sess.State)
		m.metrics.CallEnded("stale")
		m.notifyEnd(sess, model.ActionCallEnd)
	}
	return len(reaped)
}

// Session returns a copy of the session for a call id.
func (m *Manager) Session(callID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, exists := m.sessions[callID]
	if !exists {
		return Session{}, false
	}
	return *sess, true
}

// ActiveCount returns the number of non-terminal sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// remove deletes a session under the lock.
func (m *Manager) remove(callID string) {
	m.mu.Lock()
	m.removeLocked(callID)
	m.mu.Unlock()
}

// removeLocked deletes a session and its pair index entry. Caller holds the
// lock. The pair entry is only dropped when it still points at this session,
// so a replacement initiate is not clobbered.
func (m *Manager) removeLocked(callID string) {
	sess, exists := m.sessions[callID]
	if !exists {
		return
	}
	delete(m.sessions, callID)
	key := newPairKey(sess.Caller, sess.Callee)
	if m.pairs[key] == callID {
		delete(m.pairs, key)
	}
}

// notifyTerminal tells the party opposite byUserID that the call reached a
// terminal state. The other party being already gone is tolerated.
func (m *Manager) notifyTerminal(sess *Session, byUserID, action string) {
	target := sess.other(byUserID)
	if target == "" {
		// Terminal signal did not come from a participant (sweep path).
		m.notifyEnd(sess, action)
		return
	}
	env := model.Envelope{
		Kind:   model.KindCall,
		Action: action,
		Data:   encodeCallData(model.CallData{CallID: sess.ID, From: byUserID, To: target}),
	}
	if _, err := m.deliver.SendToUser(target, env); err != nil {
		log.Printf("Call %s: terminal %s undeliverable to %s: %v", sess.ID, action, target, err)
	}
}

// notifyEnd tells both parties the session is over, tolerating either being
// gone.
func (m *Manager) notifyEnd(sess *Session, action string) {
	for _, userID := range []string{sess.Caller, sess.Callee} {
		env := model.Envelope{
			Kind:   model.KindCall,
			Action: action,
			Data:   encodeCallData(model.CallData{CallID: sess.ID, To: userID}),
		}
		if _, err := m.deliver.SendToUser(userID, env); err != nil {
			log.Printf("Call %s: terminal %s undeliverable to %s: %v", sess.ID, action, userID, err)
		}
	}
}

// SetClock overrides the wall clock, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// clock reads the injected clock under the lock so it never races SetClock.
func (m *Manager) clock() func() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.now != nil {
		return m.now
	}
	return time.Now
}

func encodeCallData(d model.CallData) []byte {
	data, _ := json.Marshal(d)
	return data
}
