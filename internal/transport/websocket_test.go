package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/StarryCod/void-mes-sub000/internal/model"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialPair upgrades a loopback WebSocket and returns the server-side WSConn
// plus the raw client end.
func dialPair(t *testing.T, opts Options) (*WSConn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	accepted := make(chan *WSConn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- NewWSConn(raw, opts)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-accepted:
		t.Cleanup(func() { conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
		return nil, nil
	}
}

func TestConnIDsAreUnique(t *testing.T) {
	a, _ := dialPair(t, Options{})
	b, _ := dialPair(t, Options{})
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSendReachesPeerThroughWritePump(t *testing.T) {
	conn, client := dialPair(t, Options{})
	go conn.WriteLoop()

	require.NoError(t, conn.Send([]byte(`{"kind":"ping"}`)))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"ping"}`, string(data))
}

func TestReadLoopDeliversFramesAndActivity(t *testing.T) {
	conn, client := dialPair(t, Options{})

	frames := make(chan []byte, 4)
	var activity atomic.Int32
	go conn.ReadLoop(
		func(data []byte) { frames <- data },
		func() { activity.Add(1) },
	)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("one")))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("two")))

	for _, want := range []string{"one", "two"} {
		select {
		case data := <-frames:
			assert.Equal(t, want, string(data))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a frame")
		}
	}
	assert.Equal(t, int32(2), activity.Load())
}

func TestSendBufferFull(t *testing.T) {
	// No WriteLoop is draining, so the second send overflows.
	conn, _ := dialPair(t, Options{SendBuffer: 1})

	require.NoError(t, conn.Send([]byte("first")))
	err := conn.Send([]byte("second"))
	assert.ErrorIs(t, err, model.ErrSendBufferFull, "a slow receiver must not block the sender")
}

func TestSendAfterClose(t *testing.T) {
	conn, _ := dialPair(t, Options{})
	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "close is idempotent")

	err := conn.Send([]byte("late"))
	assert.ErrorIs(t, err, model.ErrConnClosed)
}

func TestReadLoopEndsOnClientClose(t *testing.T) {
	conn, client := dialPair(t, Options{})

	finished := make(chan struct{})
	go func() {
		conn.ReadLoop(nil, nil)
		close(finished)
	}()

	client.Close()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not end after peer close")
	}
}
