package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-vibes/loomd/pkg/ptysession"
)

func setupTestServer(t *testing.T, registry *ptysession.Registry) (*ConnectionManager, *httptest.Server) {
	t.Helper()
	manager := NewConnectionManager(registry, nil, 5*time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)
	return manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestAttachUnknownSessionReturnsError(t *testing.T) {
	registry := ptysession.NewRegistry()
	_, server := setupTestServer(t, registry)
	conn := connectWS(t, server)

	sendMessage(t, conn, ClientMessage{Type: TypeAttach, SessionID: "missing"})
	msg := readMessage(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, ErrKindNotFound, msg.Kind)
}

func TestAttachReceivesAckAndOutput(t *testing.T) {
	registry := ptysession.NewRegistry()
	sess := ptysession.NewSession("sess-1", "test", "/tmp", []string{"echo"})
	require.NoError(t, registry.Register(sess))
	require.NoError(t, sess.Start(ptysession.Mock{Script: []byte("hi there")}, nil, ptysession.Winsize{Cols: 80, Rows: 24}))

	_, server := setupTestServer(t, registry)
	conn := connectWS(t, server)

	sendMessage(t, conn, ClientMessage{Type: TypeAttach, SessionID: "sess-1"})
	ack := readMessage(t, conn)
	assert.Equal(t, TypeAttachAck, ack.Type)
	assert.Equal(t, "sess-1", ack.SessionID)

	// The scripted output reaches this viewer exactly once: in the
	// scrollback replay if the read loop published it before the attach,
	// otherwise as a pty_output frame.
	output := ack.Scrollback
	if output == "" {
		out := readMessage(t, conn)
		assert.Equal(t, TypePtyOutput, out.Type)
		output = out.Data
	}
	got, err := base64.StdEncoding.DecodeString(output)
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(got))
}

type fakeSpawner struct {
	registry *ptysession.Registry
}

func (f *fakeSpawner) Spawn(id, displayName, cwd string, size ptysession.Winsize) (*ptysession.Session, error) {
	sess := ptysession.NewSession(id, displayName, cwd, []string{"echo"})
	if err := f.registry.Register(sess); err != nil {
		return nil, err
	}
	if err := sess.Start(ptysession.Mock{Script: []byte("spawned")}, nil, size); err != nil {
		return nil, err
	}
	return sess, nil
}

func TestAttachCreatesSessionWhenMissing(t *testing.T) {
	registry := ptysession.NewRegistry()
	manager := NewConnectionManager(registry, nil, 5*time.Second).WithSpawner(&fakeSpawner{registry: registry})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)
	conn := connectWS(t, server)

	sendMessage(t, conn, ClientMessage{Type: TypeAttach, SessionID: "new-session", Cwd: "/tmp"})
	ack := readMessage(t, conn)
	assert.Equal(t, TypeAttachAck, ack.Type)
	assert.Equal(t, "new-session", ack.SessionID)
	assert.Equal(t, uint16(80), ack.AckCols)

	_, ok := registry.Get("new-session")
	assert.True(t, ok)
}

func TestUnknownMessageTypeDoesNotCloseConnection(t *testing.T) {
	registry := ptysession.NewRegistry()
	_, server := setupTestServer(t, registry)
	conn := connectWS(t, server)

	sendMessage(t, conn, ClientMessage{Type: "bogus"})
	msg := readMessage(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, ErrKindProtocol, msg.Kind)

	// Connection should still be usable.
	sendMessage(t, conn, ClientMessage{Type: TypeAttach, SessionID: "still-missing"})
	msg2 := readMessage(t, conn)
	assert.Equal(t, TypeError, msg2.Type)
	assert.Equal(t, ErrKindNotFound, msg2.Kind)
}

// TestSlowConsumerDisconnectSendsErrorFrameAndCloses exercises the
// slow-subscriber contract (spec: a connection whose output queue
// overflows is "marked for disconnect", sent a final slow_consumer Error
// frame, then closed; the session and its other subscribers are left
// untouched). handleAttach wires ptysession.Session.Attach's drop
// callback to exactly this method, so invoking it directly on the
// *Connection a real attach produced is a faithful test of that wiring
// without depending on actually forcing a real 256-deep channel overflow
// over a live OS socket, which isn't deterministic from a test.
func TestSlowConsumerDisconnectSendsErrorFrameAndCloses(t *testing.T) {
	registry := ptysession.NewRegistry()
	sess := ptysession.NewSession("sess-slow", "test", "/tmp", []string{"cat"})
	require.NoError(t, registry.Register(sess))
	require.NoError(t, sess.Start(ptysession.Mock{AutoExit: false}, nil, ptysession.Winsize{Cols: 80, Rows: 24}))
	t.Cleanup(func() { _ = sess.Kill() })

	manager, server := setupTestServer(t, registry)
	conn := connectWS(t, server)

	sendMessage(t, conn, ClientMessage{Type: TypeAttach, SessionID: "sess-slow"})
	ack := readMessage(t, conn)
	require.Equal(t, TypeAttachAck, ack.Type)

	var c *Connection
	require.Eventually(t, func() bool {
		manager.mu.RLock()
		defer manager.mu.RUnlock()
		for _, registered := range manager.connections {
			c = registered
		}
		return c != nil
	}, time.Second, time.Millisecond, "connection should have registered itself")

	manager.disconnectSlowConsumer(c, "sess-slow")

	errMsg := readMessage(t, conn)
	assert.Equal(t, TypeError, errMsg.Type)
	assert.Equal(t, ErrKindSlowConsumer, errMsg.Kind)

	_, _, err := conn.Read(context.Background())
	assert.Error(t, err, "socket should be closed after the slow_consumer error frame")

	assert.Equal(t, ptysession.Running, sess.Status().Kind, "disconnecting a slow viewer must not affect the session")

	// Idempotent: a second call (as could happen from a racing overflow
	// right before teardown) must not resend or panic.
	manager.disconnectSlowConsumer(c, "sess-slow")
}
