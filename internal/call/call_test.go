package call

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/StarryCod/void-mes-sub000/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDeliverer records per-user deliveries and can simulate a user being gone.
type fakeDeliverer struct {
	mu   sync.Mutex
	sent map[string][]model.Envelope
	gone map[string]bool
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{sent: make(map[string][]model.Envelope), gone: make(map[string]bool)}
}

func (d *fakeDeliverer) SendToUser(userID string, env model.Envelope) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone[userID] {
		return 0, model.ErrTargetUnreachable
	}
	d.sent[userID] = append(d.sent[userID], env)
	return 1, nil
}

func (d *fakeDeliverer) envelopes(userID string) []model.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.Envelope(nil), d.sent[userID]...)
}

func (d *fakeDeliverer) markGone(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gone[userID] = true
}

type fakePresence struct{ online map[string]bool }

func (p *fakePresence) Online(userID string) bool { return p.online[userID] }

func newManager(online ...string) (*Manager, *fakeDeliverer) {
	d := newFakeDeliverer()
	p := &fakePresence{online: make(map[string]bool)}
	for _, u := range online {
		p.online[u] = true
	}
	return New(d, p, nil, 0), d
}

func callData(t *testing.T, env model.Envelope) model.CallData {
	t.Helper()
	var data model.CallData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data
}

func TestInitiateUnreachableCallee(t *testing.T) {
	m, _ := newManager("alice")

	callID, err := m.Initiate("alice", "bob", KindVideo, nil)
	assert.ErrorIs(t, err, model.ErrTargetUnreachable)
	assert.Empty(t, callID)
	assert.Zero(t, m.ActiveCount(), "no session is created for an offline callee")
}

func TestInitiateDeliversOfferToCallee(t *testing.T) {
	m, d := newManager("alice", "bob")

	callID, err := m.Initiate("alice", "bob", KindVideo, json.RawMessage(`{"sdp":"offer"}`))
	require.NoError(t, err)
	require.NotEmpty(t, callID)

	sess, ok := m.Session(callID)
	require.True(t, ok)
	assert.Equal(t, StateRinging, sess.State)
	assert.Equal(t, "alice", sess.Caller)
	assert.Equal(t, "bob", sess.Callee)

	offers := d.envelopes("bob")
	require.Len(t, offers, 1)
	assert.Equal(t, model.ActionCallStart, offers[0].Action)
	data := callData(t, offers[0])
	assert.Equal(t, callID, data.CallID)
	assert.Equal(t, "alice", data.From)
	assert.Equal(t, KindVideo, data.Kind)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(data.Payload))
}

func TestAnswerTransitionsToConnected(t *testing.T) {
	m, d := newManager("alice", "bob")

	callID, err := m.Initiate("alice", "bob", KindVoice, nil)
	require.NoError(t, err)

	require.NoError(t, m.Answer(callID, json.RawMessage(`{"sdp":"answer"}`)))

	sess, ok := m.Session(callID)
	require.True(t, ok)
	assert.Equal(t, StateConnected, sess.State)

	answers := d.envelopes("alice")
	require.Len(t, answers, 1)
	assert.Equal(t, model.ActionCallAnswer, answers[0].Action)
	assert.Equal(t, callID, callData(t, answers[0]).CallID)
}

func TestDoubleAnswerIsNoOp(t *testing.T) {
	m, d := newManager("alice", "bob")

	callID, err := m.Initiate("alice", "bob", KindVoice, nil)
	require.NoError(t, err)

	require.NoError(t, m.Answer(callID, nil))
	require.NoError(t, m.Answer(callID, nil), "answering a non-ringing session is safe")

	assert.Len(t, d.envelopes("alice"), 1, "the caller hears exactly one answer")
}

func TestAnswerUnknownCallIsNoOp(t *testing.T) {
	m, d := newManager("alice", "bob")
	require.NoError(t, m.Answer("no-such-call", nil))
	assert.Empty(t, d.envelopes("alice"))
	assert.Empty(t, d.envelopes("bob"))
}

func TestAnswerWithCallerGone(t *testing.T) {
	m, d := newManager("alice", "bob")

	callID, err := m.Initiate("alice", "bob", KindVoice, nil)
	require.NoError(t, err)

	d.markGone("alice")
	err = m.Answer(callID, nil)
	assert.ErrorIs(t, err, model.ErrTargetUnreachable, "reported to the answering side")
	assert.Zero(t, m.ActiveCount(), "a call with no caller left is removed")
}

func TestRejectNotifiesCaller(t *testing.T) {
	m, d := newManager("alice", "bob")

	callID, err := m.Initiate("alice", "bob", KindVoice, nil)
	require.NoError(t, err)

	m.Reject(callID, "bob")
	assert.Zero(t, m.ActiveCount())

	var rejects []model.Envelope
	for _, env := range d.envelopes("alice") {
		if env.Action == model.ActionCallReject {
			rejects = append(rejects, env)
		}
	}
	require.Len(t, rejects, 1)
}

func TestEndFromEitherState(t *testing.T) {
	m, d := newManager("alice", "bob")

	callID, err := m.Initiate("alice", "bob", KindVoice, nil)
	require.NoError(t, err)
	require.NoError(t, m.Answer(callID, nil))

	m.End(callID, "alice")
	assert.Zero(t, m.ActiveCount())

	var ends []model.Envelope
	for _, env := range d.envelopes("bob") {
		if env.Action == model.ActionCallEnd {
			ends = append(ends, env)
		}
	}
	require.Len(t, ends, 1)

	// Ending again races are expected and harmless.
	m.End(callID, "bob")
}

func TestEndToleratesOtherPartyGone(t *testing.T) {
	m, d := newManager("alice", "bob")

	callID, err := m.Initiate("alice", "bob", KindVoice, nil)
	require.NoError(t, err)

	d.markGone("alice")
	m.End(callID, "bob")
	assert.Zero(t, m.ActiveCount(), "session removed even though the caller is unreachable")
}

func TestSecondInitiateReplacesStaleSession(t *testing.T) {
	m, d := newManager("alice", "bob")

	first, err := m.Initiate("alice", "bob", KindVoice, nil)
	require.NoError(t, err)

	second, err := m.Initiate("bob", "alice", KindVideo, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, ok := m.Session(first)
	assert.False(t, ok, "the stale session is gone")
	sess, ok := m.Session(second)
	require.True(t, ok)
	assert.Equal(t, StateRinging, sess.State)
	assert.Equal(t, 1, m.ActiveCount(), "at most one active session per unordered pair")

	// Answering the replaced call id is a stale no-op.
	require.NoError(t, m.Answer(first, nil))
	_ = d
}

func TestRelayCandidateForwardsToOtherParty(t *testing.T) {
	m, d := newManager("alice", "bob")

	callID, err := m.Initiate("alice", "bob", KindVideo, nil)
	require.NoError(t, err)

	m.RelayCandidate(callID, "alice", json.RawMessage(`{"candidate":"c1"}`))
	m.RelayCandidate(callID, "bob", json.RawMessage(`{"candidate":"c2"}`))

	var toBob, toAlice int
	for _, env := range d.envelopes("bob") {
		if env.Action == model.ActionCallCandidate {
			toBob++
		}
	}
	for _, env := range d.envelopes("alice") {
		if env.Action == model.ActionCallCandidate {
			toAlice++
		}
	}
	assert.Equal(t, 1, toBob)
	assert.Equal(t, 1, toAlice)

	sess, ok := m.Session(callID)
	require.True(t, ok)
	assert.Equal(t, StateRinging, sess.State, "candidate relay causes no state transition")
}

func TestRelayCandidateStaleCallIsSilent(t *testing.T) {
	m, d := newManager("alice", "bob")
	m.RelayCandidate("no-such-call", "alice", nil)
	assert.Empty(t, d.envelopes("bob"))
}

func TestRelayCandidateFromNonParticipant(t *testing.T) {
	m, d := newManager("alice", "bob", "mallory")

	callID, err := m.Initiate("alice", "bob", KindVoice, nil)
	require.NoError(t, err)

	before := len(d.envelopes("alice")) + len(d.envelopes("bob"))
	m.RelayCandidate(callID, "mallory", nil)
	after := len(d.envelopes("alice")) + len(d.envelopes("bob"))
	assert.Equal(t, before, after, "outsiders cannot inject candidates")
}

func TestSweepReapsStaleSessions(t *testing.T) {
	m, d := newManager("alice", "bob")

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	callID, err := m.Initiate("alice", "bob", KindVoice, nil)
	require.NoError(t, err)
	require.NoError(t, m.Answer(callID, nil), "staleness applies regardless of state")

	assert.Zero(t, m.Sweep(), "fresh sessions survive the sweep")

	now = now.Add(DefaultStaleAfter + time.Minute)
	assert.Equal(t, 1, m.Sweep())
	assert.Zero(t, m.ActiveCount())

	// Both parties were told, even though no end was ever received.
	var aliceEnds, bobEnds int
	for _, env := range d.envelopes("alice") {
		if env.Action == model.ActionCallEnd {
			aliceEnds++
		}
	}
	for _, env := range d.envelopes("bob") {
		if env.Action == model.ActionCallEnd {
			bobEnds++
		}
	}
	assert.Equal(t, 1, aliceEnds)
	assert.Equal(t, 1, bobEnds)
}

func TestEndAllForRemovesUserSessions(t *testing.T) {
	m, _ := newManager("alice", "bob", "carol")

	id1, err := m.Initiate("alice", "bob", KindVoice, nil)
	require.NoError(t, err)
	id2, err := m.Initiate("alice", "carol", KindVoice, nil)
	require.NoError(t, err)

	m.EndAllFor("alice")
	assert.Zero(t, m.ActiveCount())
	_, ok := m.Session(id1)
	assert.False(t, ok)
	_, ok = m.Session(id2)
	assert.False(t, ok)
}
