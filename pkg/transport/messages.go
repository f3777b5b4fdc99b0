// Package transport implements the WebSocket connection protocol: PTY
// attach/input/resize/detach and firehose subscribe/fetch-older/unsubscribe,
// multiplexed over a single JSON-framed connection per viewer.
package transport

import "encoding/json"

// ClientMessage is the envelope for every inbound client frame. Type
// discriminates which of the optional fields are meaningful; unknown
// types are tolerated and answered with an Error frame without closing
// the connection.
type ClientMessage struct {
	Type string `json:"type"`

	// Attach / Detach. DisplayName and Cwd apply only when Attach creates a
	// new session; on attach-to-existing they're ignored.
	SessionID   string `json:"session_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Cwd         string `json:"cwd,omitempty"`

	// PtyInput. Base64-encoded: PTY bytes are not guaranteed valid UTF-8,
	// and encoding/json would otherwise replace invalid sequences with
	// U+FFFD, corrupting input.
	Data string `json:"data,omitempty"`

	// PtyResize
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// FirehoseSubscribe / FirehoseFetchOlder / FirehoseUnsubscribe.
	// FromEarliest and AtEventID are mutually exclusive start positions;
	// when neither is set, subscribe starts at Latest (with an initial
	// history batch — see SubscribeWithHistory).
	Topic         string `json:"topic,omitempty"`
	FromEarliest  bool   `json:"from_earliest,omitempty"`
	AtEventID     string `json:"at_event_id,omitempty"`
	BeforeEventID string `json:"before_event_id,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

const (
	TypeAttach              = "attach"
	TypePtyInput            = "pty_input"
	TypePtyResize           = "pty_resize"
	TypeDetach              = "detach"
	TypeFirehoseSubscribe   = "firehose_subscribe"
	TypeFirehoseFetchOlder  = "firehose_fetch_older"
	TypeFirehoseUnsubscribe = "firehose_unsubscribe"
)

// FirehoseFrame is one event within a FirehoseBatch. event_id is the only
// globally meaningful handle (see eventlog's event-id-vs-offset design
// note); offset is carried as informational metadata only.
type FirehoseFrame struct {
	EventID     string          `json:"event_id"`
	Offset      int64           `json:"offset,omitempty"`
	PayloadKind string          `json:"payload_kind"`
	Payload     json.RawMessage `json:"payload"`
}

// ServerMessage is the envelope for every outbound server frame.
type ServerMessage struct {
	Type string `json:"type"`

	// AttachAck. Scrollback is base64-encoded, same reason as Data below.
	SessionID  string `json:"session_id,omitempty"`
	Scrollback string `json:"scrollback,omitempty"`
	AckCols    uint16 `json:"cols,omitempty"`
	AckRows    uint16 `json:"rows,omitempty"`

	// PtyOutput. Base64-encoded: PTY bytes are not guaranteed valid UTF-8.
	Data string `json:"data,omitempty"`

	// PtyExit
	ExitCode int    `json:"exit_code,omitempty"`
	Failed   bool   `json:"failed,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// FirehoseBatch / FirehoseEvent
	Topic         string          `json:"topic,omitempty"`
	Events        []FirehoseFrame `json:"events,omitempty"`
	EventID       string          `json:"event_id,omitempty"`
	Offset        int64           `json:"offset,omitempty"`
	PayloadKind   string          `json:"payload_kind,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OldestEventID string          `json:"oldest_event_id,omitempty"`
	HasMore       bool            `json:"has_more,omitempty"`

	// Error
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	TypeAttachAck     = "attach_ack"
	TypePtyOutput     = "pty_output"
	TypePtyExit       = "pty_exit"
	TypeFirehoseBatch = "firehose_batch"
	TypeFirehoseEvent = "firehose_event"
	TypeError         = "error"
)

// Error frame kinds, so clients can branch on error class instead of
// string-matching Message.
const (
	ErrKindProtocol     = "protocol"      // malformed or out-of-sequence message
	ErrKindNotFound     = "not_found"     // unknown session or topic
	ErrKindUnavailable  = "unavailable"   // a required backend (firehose) isn't wired
	ErrKindBackend      = "backend"       // a backend call (spawn, write, resize, subscribe) failed
	ErrKindSlowConsumer = "slow_consumer" // subscriber's output queue overflowed; connection is being closed
)
