package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/run-vibes/loomd/pkg/eventid"
	"github.com/run-vibes/loomd/pkg/eventlog"
	"github.com/run-vibes/loomd/pkg/firehose"
	"github.com/run-vibes/loomd/pkg/ptysession"
)

// SessionSpawner creates and starts a new PTY session, applying cwd and
// the initial window size before the child is launched.
type SessionSpawner interface {
	Spawn(id, displayName, cwd string, size ptysession.Winsize) (*ptysession.Session, error)
}

// ConnectionManager owns every live WebSocket connection and routes
// client messages to the PTY session registry or the firehose hub.
type ConnectionManager struct {
	sessions *ptysession.Registry
	firehose *firehose.Hub
	spawner  SessionSpawner

	mu          sync.RWMutex
	connections map[string]*Connection

	writeTimeout time.Duration
}

// NewConnectionManager constructs a ConnectionManager over a session
// registry and a firehose hub. spawner may be nil, in which case Attach
// only succeeds against sessions that already exist.
func NewConnectionManager(sessions *ptysession.Registry, fh *firehose.Hub, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		sessions:     sessions,
		firehose:     fh,
		connections:  make(map[string]*Connection),
		writeTimeout: writeTimeout,
	}
}

// WithSpawner wires a SessionSpawner so Attach can create-then-attach to
// sessions that don't exist yet.
func (m *ConnectionManager) WithSpawner(s SessionSpawner) *ConnectionManager {
	m.spawner = s
	return m
}

// Connection is one WebSocket client's state. Fields below are only ever
// touched from the connection's own goroutine (the read loop and its
// deferred cleanup), so no lock is needed around them.
type Connection struct {
	ID   string
	conn *websocket.Conn
	ctx  context.Context

	cancel context.CancelFunc

	attachedSession string
	detachPty       func()

	firehoseSubs map[string]func()

	// closeOnce guards the slow-consumer disconnect path: the drop
	// callback runs on the session's own publish goroutine, which can
	// race with this connection's normal teardown.
	closeOnce sync.Once
}

// HandleConnection manages one WebSocket connection's lifecycle. Blocks
// until the socket closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:           uuid.New().String(),
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		firehoseSubs: make(map[string]func()),
	}

	m.register(c)
	defer m.unregister(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.sendError(c, ErrKindProtocol, "invalid message")
			continue
		}
		m.dispatch(ctx, c, &msg)
	}
}

func (m *ConnectionManager) dispatch(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Type {
	case TypeAttach:
		m.handleAttach(c, msg)
	case TypePtyInput:
		m.handlePtyInput(c, msg.Data)
	case TypePtyResize:
		m.handlePtyResize(c, msg.Cols, msg.Rows)
	case TypeDetach:
		m.handleDetach(c)
	case TypeFirehoseSubscribe:
		m.handleFirehoseSubscribe(ctx, c, msg)
	case TypeFirehoseFetchOlder:
		m.handleFirehoseFetchOlder(ctx, c, msg)
	case TypeFirehoseUnsubscribe:
		m.handleFirehoseUnsubscribe(c, msg.Topic)
	default:
		m.sendError(c, ErrKindProtocol, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// defaultCols and defaultRows size a newly created session when the
// attaching client sends no dimensions (a backwards-compatible attach).
const (
	defaultCols = 80
	defaultRows = 24
)

func (m *ConnectionManager) handleAttach(c *Connection, msg *ClientMessage) {
	if c.attachedSession != "" {
		m.sendError(c, ErrKindProtocol, "already attached to a session; detach first")
		return
	}
	sessionID := msg.SessionID

	cols, rows := msg.Cols, msg.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	sess, ok := m.sessions.Get(sessionID)
	if !ok {
		if m.spawner == nil {
			m.sendError(c, ErrKindNotFound, fmt.Sprintf("unknown session %q", sessionID))
			return
		}
		spawned, err := m.spawner.Spawn(sessionID, msg.DisplayName, msg.Cwd, ptysession.Winsize{Cols: cols, Rows: rows})
		if err != nil {
			m.sendError(c, ErrKindBackend, fmt.Sprintf("create session %q failed: %v", sessionID, err))
			return
		}
		sess = spawned
	}

	replay, sub := sess.Attach(c.ID, func() {
		m.disconnectSlowConsumer(c, sessionID)
	})
	c.attachedSession = sessionID
	c.detachPty = func() { sess.Detach(c.ID) }

	m.send(c, ServerMessage{Type: TypeAttachAck, SessionID: sessionID, Scrollback: base64.StdEncoding.EncodeToString(replay), AckCols: cols, AckRows: rows})

	go m.pumpPtyOutput(c, sessionID, sub)

	sess.OnStatusChange(func(st ptysession.Status) {
		msg := ServerMessage{Type: TypePtyExit, SessionID: sessionID, ExitCode: st.ExitCode}
		if st.Kind == ptysession.Failed {
			msg.Failed = true
			if st.Err != nil {
				msg.Reason = st.Err.Error()
			}
		}
		m.send(c, msg)
	})
}

func (m *ConnectionManager) pumpPtyOutput(c *Connection, sessionID string, sub *ptysession.Subscriber) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case chunk, ok := <-sub.Chan():
			if !ok {
				return
			}
			m.send(c, ServerMessage{Type: TypePtyOutput, SessionID: sessionID, Data: base64.StdEncoding.EncodeToString(chunk)})
		}
	}
}

// disconnectSlowConsumer implements the slow-subscriber contract: the
// connection is sent a final slow_consumer error frame and its socket is
// closed, but the session and every other subscriber are left untouched —
// ptysession.Session.Detach only ever removes this one connection's own
// subscriber entry. Safe to call from the session's publish goroutine,
// concurrently with this connection's own read loop and teardown.
func (m *ConnectionManager) disconnectSlowConsumer(c *Connection, sessionID string) {
	c.closeOnce.Do(func() {
		slog.Warn("transport: disconnecting slow consumer", "connection_id", c.ID, "session_id", sessionID)
		m.sendError(c, ErrKindSlowConsumer, fmt.Sprintf("output queue overflowed for session %q", sessionID))
		_ = c.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	})
}

func (m *ConnectionManager) handlePtyInput(c *Connection, data string) {
	if c.attachedSession == "" {
		m.sendError(c, ErrKindProtocol, "not attached to a session")
		return
	}
	sess, ok := m.sessions.Get(c.attachedSession)
	if !ok {
		m.sendError(c, ErrKindNotFound, "session no longer exists")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		m.sendError(c, ErrKindProtocol, "invalid base64 in pty_input data")
		return
	}
	if err := sess.Write(raw); err != nil {
		m.sendError(c, ErrKindBackend, err.Error())
	}
}

func (m *ConnectionManager) handlePtyResize(c *Connection, cols, rows uint16) {
	if c.attachedSession == "" {
		m.sendError(c, ErrKindProtocol, "not attached to a session")
		return
	}
	sess, ok := m.sessions.Get(c.attachedSession)
	if !ok {
		m.sendError(c, ErrKindNotFound, "session no longer exists")
		return
	}
	if err := sess.Resize(ptysession.Winsize{Cols: cols, Rows: rows}); err != nil {
		m.sendError(c, ErrKindBackend, err.Error())
	}
}

func (m *ConnectionManager) handleDetach(c *Connection) {
	if c.detachPty != nil {
		c.detachPty()
		c.detachPty = nil
	}
	c.attachedSession = ""
}

func (m *ConnectionManager) handleFirehoseSubscribe(ctx context.Context, c *Connection, msg *ClientMessage) {
	if m.firehose == nil {
		m.sendError(c, ErrKindUnavailable, "firehose not available")
		return
	}
	if _, exists := c.firehoseSubs[msg.Topic]; exists {
		m.sendError(c, ErrKindProtocol, fmt.Sprintf("already subscribed to %q", msg.Topic))
		return
	}

	if msg.FromEarliest {
		sub, err := m.firehose.Subscribe(c.ctx, msg.Topic, eventlog.AtEarliest())
		if err != nil {
			m.sendError(c, ErrKindBackend, fmt.Sprintf("subscribe to %q failed: %v", msg.Topic, err))
			return
		}
		c.firehoseSubs[msg.Topic] = sub.Close
		go m.pumpFirehose(c, msg.Topic, sub)
		return
	}

	if msg.AtEventID != "" {
		id, err := eventid.Parse(msg.AtEventID)
		if err != nil {
			m.sendError(c, ErrKindProtocol, "invalid at_event_id")
			return
		}
		sub, err := m.firehose.Subscribe(c.ctx, msg.Topic, eventlog.Before(id))
		if err != nil {
			m.sendError(c, ErrKindBackend, fmt.Sprintf("subscribe to %q failed: %v", msg.Topic, err))
			return
		}
		c.firehoseSubs[msg.Topic] = sub.Close
		go m.pumpFirehose(c, msg.Topic, sub)
		return
	}

	batch, oldestID, hasMore, sub, err := m.firehose.SubscribeWithHistory(c.ctx, msg.Topic, firehoseHistoryLimit)
	if err != nil {
		m.sendError(c, ErrKindBackend, fmt.Sprintf("subscribe to %q failed: %v", msg.Topic, err))
		return
	}
	c.firehoseSubs[msg.Topic] = sub.Close

	frames := make([]FirehoseFrame, 0, len(batch))
	for _, e := range batch {
		frames = append(frames, FirehoseFrame{EventID: e.EventID.String(), Offset: e.Sequence, PayloadKind: e.Kind, Payload: e.Payload})
	}
	m.send(c, ServerMessage{
		Type:          TypeFirehoseBatch,
		Topic:         msg.Topic,
		Events:        frames,
		OldestEventID: oldestID.String(),
		HasMore:       hasMore,
	})

	go m.pumpFirehose(c, msg.Topic, sub)
}

// firehoseHistoryLimit bounds the initial historical batch sent on a
// FirehoseSubscribe{start: Latest}, per the firehose subscribe contract.
const firehoseHistoryLimit = 100

func (m *ConnectionManager) pumpFirehose(c *Connection, topic string, sub *firehose.Subscription) {
	for env := range sub.Events {
		m.send(c, ServerMessage{
			Type:        TypeFirehoseEvent,
			Topic:       topic,
			EventID:     env.ID.String(),
			PayloadKind: env.Kind,
			Payload:     env.Payload,
		})
	}
}

func (m *ConnectionManager) handleFirehoseFetchOlder(ctx context.Context, c *Connection, msg *ClientMessage) {
	if m.firehose == nil {
		m.sendError(c, ErrKindUnavailable, "firehose not available")
		return
	}
	var before eventid.ID
	if msg.BeforeEventID != "" {
		id, err := eventid.Parse(msg.BeforeEventID)
		if err != nil {
			m.sendError(c, ErrKindProtocol, "invalid before_event_id")
			return
		}
		before = id
	}

	entries, hasMore, err := m.firehose.FetchOlder(ctx, msg.Topic, before, msg.Limit)
	if err != nil {
		m.sendError(c, ErrKindBackend, fmt.Sprintf("fetch older on %q failed: %v", msg.Topic, err))
		return
	}

	frames := make([]FirehoseFrame, 0, len(entries))
	var oldest eventid.ID
	for i, e := range entries {
		frames = append(frames, FirehoseFrame{EventID: e.EventID.String(), Offset: e.Sequence, PayloadKind: e.Kind, Payload: e.Payload})
		if i == 0 {
			oldest = e.EventID
		}
	}
	m.send(c, ServerMessage{Type: TypeFirehoseBatch, Topic: msg.Topic, Events: frames, OldestEventID: oldest.String(), HasMore: hasMore})
}

func (m *ConnectionManager) handleFirehoseUnsubscribe(c *Connection, topic string) {
	if cancel, ok := c.firehoseSubs[topic]; ok {
		cancel()
		delete(c.firehoseSubs, topic)
	}
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregister(c *Connection) {
	if c.detachPty != nil {
		c.detachPty()
	}
	for _, cancel := range c.firehoseSubs {
		cancel()
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// ActiveConnections returns the count of currently connected viewers.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) sendError(c *Connection, kind, message string) {
	m.send(c, ServerMessage{Type: TypeError, Kind: kind, Message: message})
}

func (m *ConnectionManager) send(c *Connection, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("transport: failed to marshal server message", "connection_id", c.ID, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("transport: failed to send", "connection_id", c.ID, "error", err)
	}
}
