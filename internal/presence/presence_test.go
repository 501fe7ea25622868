package presence

import (
	"encoding/json"
	"testing"

	"github.com/StarryCod/void-mes-sub000/internal/model"
	"github.com/StarryCod/void-mes-sub000/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ id string }

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) Send([]byte) error  { return nil }
func (c *fakeConn) Close() error       { return nil }
func (c *fakeConn) RemoteAddr() string { return "test" }

// recordingRelay captures everything the tracker broadcasts.
type recordingRelay struct {
	broadcasts []model.Envelope
	directs    map[string][]model.Envelope
}

func newRecordingRelay() *recordingRelay {
	return &recordingRelay{directs: make(map[string][]model.Envelope)}
}

func (r *recordingRelay) SendToUser(userID string, env model.Envelope) (int, error) {
	r.directs[userID] = append(r.directs[userID], env)
	return 1, nil
}

func (r *recordingRelay) BroadcastExcept(exceptUserID string, env model.Envelope) {
	env.To = exceptUserID // record the exclusion for assertions
	r.broadcasts = append(r.broadcasts, env)
}

func (r *recordingRelay) byAction(action string) []model.Envelope {
	var out []model.Envelope
	for _, env := range r.broadcasts {
		if env.Action == action {
			out = append(out, env)
		}
	}
	return out
}

func setup(t *testing.T, connIDs ...string) (*registry.Registry, *recordingRelay, *Tracker) {
	t.Helper()
	reg := registry.New()
	for _, id := range connIDs {
		reg.Add(&fakeConn{id: id})
	}
	rly := newRecordingRelay()
	return reg, rly, New(reg, rly, nil)
}

func TestOnlineBroadcastOnlyOnFirstConnection(t *testing.T) {
	_, rly, tracker := setup(t, "a1", "a2")

	require.NoError(t, tracker.Register("a1", "alice"))
	require.NoError(t, tracker.Register("a2", "alice"))

	online := rly.byAction(model.ActionOnline)
	require.Len(t, online, 1, "online fires exactly once per 0→1 edge")
	assert.Equal(t, "alice", online[0].To, "the newcomer is excluded from the broadcast")
}

func TestOfflineBroadcastOnlyOnLastConnection(t *testing.T) {
	_, rly, tracker := setup(t, "a1", "a2")

	require.NoError(t, tracker.Register("a1", "alice"))
	require.NoError(t, tracker.Register("a2", "alice"))

	tracker.Disconnect("a1")
	assert.Empty(t, rly.byAction(model.ActionOffline), "user still has a live connection")
	assert.True(t, tracker.Online("alice"))

	tracker.Disconnect("a2")
	offline := rly.byAction(model.ActionOffline)
	require.Len(t, offline, 1, "offline fires exactly once per 1→0 edge")
	assert.False(t, tracker.Online("alice"))

	var data model.PresenceData
	require.NoError(t, json.Unmarshal(offline[0].Data, &data))
	assert.Equal(t, "alice", data.UserID)
	assert.NotZero(t, data.Timestamp)
}

func TestDuplicateRegisterIsIdempotent(t *testing.T) {
	_, rly, tracker := setup(t, "a1")

	require.NoError(t, tracker.Register("a1", "alice"))
	require.NoError(t, tracker.Register("a1", "alice"))

	assert.Len(t, rly.byAction(model.ActionOnline), 1, "no duplicate broadcast")
	assert.Len(t, rly.directs["alice"], 1, "no duplicate snapshot")
}

func TestSnapshotListsOtherOnlineUsers(t *testing.T) {
	_, rly, tracker := setup(t, "a1", "b1")

	require.NoError(t, tracker.Register("a1", "alice"))
	require.NoError(t, tracker.Register("b1", "bob"))

	snapshots := rly.directs["bob"]
	require.Len(t, snapshots, 1)
	assert.Equal(t, model.ActionSnapshot, snapshots[0].Action)

	var data model.PresenceData
	require.NoError(t, json.Unmarshal(snapshots[0].Data, &data))
	assert.Equal(t, []string{"alice"}, data.Users, "snapshot excludes the newcomer itself")
}

func TestEmptyUserIDRejected(t *testing.T) {
	reg, rly, tracker := setup(t, "a1")

	err := tracker.Register("a1", "")
	assert.ErrorIs(t, err, model.ErrMalformedRegistration)
	assert.Empty(t, rly.broadcasts, "no state change, no broadcast")

	_, bound := reg.UserOf("a1")
	assert.False(t, bound, "connection stays unassociated")
}

func TestRebindEmitsOfflineForOldUser(t *testing.T) {
	_, rly, tracker := setup(t, "c1")

	require.NoError(t, tracker.Register("c1", "alice"))
	require.NoError(t, tracker.Register("c1", "bob"))

	assert.False(t, tracker.Online("alice"))
	assert.True(t, tracker.Online("bob"))

	offline := rly.byAction(model.ActionOffline)
	require.Len(t, offline, 1, "losing the only connection to a rebind is still the 1→0 edge")
	var data model.PresenceData
	require.NoError(t, json.Unmarshal(offline[0].Data, &data))
	assert.Equal(t, "alice", data.UserID)

	assert.Len(t, rly.byAction(model.ActionOnline), 2, "one online edge per user")
}

func TestRebindKeepsOldUserWithOtherConnections(t *testing.T) {
	_, rly, tracker := setup(t, "c1", "c2")

	require.NoError(t, tracker.Register("c1", "alice"))
	require.NoError(t, tracker.Register("c2", "alice"))
	require.NoError(t, tracker.Register("c2", "bob"))

	assert.True(t, tracker.Online("alice"))
	assert.Empty(t, rly.byAction(model.ActionOffline))
}

func TestDisconnectUnknownConnection(t *testing.T) {
	_, rly, tracker := setup(t)
	assert.False(t, tracker.Disconnect("ghost"), "nothing was registered")
	assert.Empty(t, rly.broadcasts)
}

func TestEdgeSequence(t *testing.T) {
	_, rly, tracker := setup(t, "c1", "c2", "c3")

	// 0→1, 1→2, 2→1, 1→2, 2→1, 1→0: exactly one online, one offline.
	require.NoError(t, tracker.Register("c1", "alice"))
	require.NoError(t, tracker.Register("c2", "alice"))
	tracker.Disconnect("c2")
	require.NoError(t, tracker.Register("c3", "alice"))
	tracker.Disconnect("c3")
	tracker.Disconnect("c1")

	assert.Len(t, rly.byAction(model.ActionOnline), 1)
	assert.Len(t, rly.byAction(model.ActionOffline), 1)
}
