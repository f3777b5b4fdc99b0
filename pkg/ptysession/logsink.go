package ptysession

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/run-vibes/loomd/pkg/eventlog"
)

// PtyOutputChunk is the payload shape for "pty_output_chunk" envelopes: a
// single chunk of raw PTY output, base64-encoded since PTY bytes are not
// guaranteed to be valid UTF-8 (and the envelope's Payload field is JSON).
type PtyOutputChunk struct {
	Chunk string `json:"chunk"`
}

// OutputSink receives every PTY output chunk a session reads, for mirroring
// onto the event log. Appends are awaited synchronously from the session's
// reader goroutine: a backpressured or slow log append stalls the reader,
// which in turn fills the PTY master's kernel buffer and slows the child
// itself, per the PTY->log backpressure policy. A nil sink (the default)
// means no event-log mirroring, which is what tests that only care about
// scrollback/broadcast plumbing want.
type OutputSink interface {
	Append(ctx context.Context, sessionID string, chunk []byte) error
}

// LogOutputSink appends every PTY output chunk to the event log as a
// "pty_output_chunk" envelope on Topic, keyed by session id. Appender must
// be shared with every other producer targeting the same topic (see
// eventlog.OrderedAppender) so event ids stay ordered the same way the
// broker's offsets do.
type LogOutputSink struct {
	Appender *eventlog.OrderedAppender
	Topic    string
}

var _ OutputSink = (*LogOutputSink)(nil)

// Append implements OutputSink.
func (s *LogOutputSink) Append(ctx context.Context, sessionID string, chunk []byte) error {
	payload, err := json.Marshal(PtyOutputChunk{Chunk: base64.StdEncoding.EncodeToString(chunk)})
	if err != nil {
		return err
	}
	_, err = s.Appender.Append(ctx, s.Topic, sessionID, "pty_output_chunk", payload)
	return err
}
