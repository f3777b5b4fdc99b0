package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/run-vibes/loomd/pkg/eventid"
)

// NatsLog is the production Log backend, backed by a JetStream stream per
// topic and a JetStream durable pull consumer per consumer-group binding.
type NatsLog struct {
	nc *nats.Conn
	js nats.JetStreamContext

	mu        sync.Mutex
	consumers map[ConsumerHandle]*nats.Subscription
	pending   map[pendingKey]*nats.Msg
	index     *CatchupIndex // optional; nil disables BeforeEventID seeks and pagination
}

// NatsLogOption configures NatsLog at construction time.
type NatsLogOption func(*NatsLog)

// WithCatchupIndex wires a Postgres-backed CatchupIndex used to resolve
// BeforeEventID seeks and to mirror every Append for event-id pagination.
func WithCatchupIndex(idx *CatchupIndex) NatsLogOption {
	return func(l *NatsLog) { l.index = idx }
}

// NewNatsLog connects to url and ensures every well-known topic has a
// backing stream, applying each topic's DefaultRetention.
func NewNatsLog(url string, opts ...NatsLogOption) (*NatsLog, error) {
	nc, err := nats.Connect(url,
		nats.Name("loomd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventlog: init jetstream: %w", err)
	}

	l := &NatsLog{
		nc:        nc,
		js:        js,
		consumers: make(map[ConsumerHandle]*nats.Subscription),
		pending:   make(map[pendingKey]*nats.Msg),
	}
	for _, opt := range opts {
		opt(l)
	}

	for _, topic := range Topics() {
		if err := l.ensureStream(topic); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return l, nil
}

func streamName(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}

func subjectFor(topic, partition string) string {
	if partition == "" {
		partition = "_"
	}
	return fmt.Sprintf("%s.%s", topic, partition)
}

func (l *NatsLog) ensureStream(topic string) error {
	retention := DefaultRetention(topic)
	cfg := &nats.StreamConfig{
		Name:     streamName(topic),
		Subjects: []string{topic + ".>"},
	}
	if retention.MaxAge > 0 {
		cfg.MaxAge = retention.MaxAge
	}
	if retention.MaxMsg > 0 {
		cfg.MaxMsgs = retention.MaxMsg
	}

	if _, err := l.js.StreamInfo(cfg.Name); err != nil {
		if _, err := l.js.AddStream(cfg); err != nil {
			return fmt.Errorf("eventlog: add stream %s: %w", topic, err)
		}
		return nil
	}
	if _, err := l.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("eventlog: update stream %s: %w", topic, err)
	}
	return nil
}

// Append implements Log.
func (l *NatsLog) Append(ctx context.Context, env Envelope) error {
	body, err := encodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("eventlog: encode envelope: %w", err)
	}

	subj := subjectFor(env.Topic, env.PartitionKey)
	ack, err := l.js.Publish(subj, body, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
			return ErrBackpressured
		}
		if errors.Is(err, nats.ErrNoServers) || errors.Is(err, nats.ErrConnectionClosed) {
			return ErrNotReady
		}
		return fmt.Errorf("eventlog: publish: %w", err)
	}

	if l.index != nil {
		if err := l.index.Record(ctx, env, int64(ack.Sequence)); err != nil {
			slog.Error("eventlog: catchup index write failed", "event_id", env.ID.String(), "error", err)
		}
	}
	return nil
}

// OpenConsumer implements Log.
func (l *NatsLog) OpenConsumer(ctx context.Context, topic, partition, group string, pos SeekPosition) (ConsumerHandle, error) {
	h := ConsumerHandle{Topic: topic, Partition: partition, Group: group}

	if err := l.ensureStream(topic); err != nil {
		return h, err
	}

	deliverOpt, err := l.resolveDeliverOpt(ctx, topic, pos)
	if err != nil {
		return h, err
	}

	subj := subjectFor(topic, partition)
	durable := durableName(group)
	sub, err := l.js.PullSubscribe(subj, durable, append([]nats.SubOpt{nats.AckExplicit()}, deliverOpt)...)
	if err != nil {
		return h, fmt.Errorf("eventlog: open consumer %s/%s: %w", topic, group, err)
	}

	l.mu.Lock()
	l.consumers[h] = sub
	l.mu.Unlock()
	return h, nil
}

// durableName sanitizes a consumer group name for JetStream's durable-name
// character restrictions (no '.' or whitespace).
func durableName(group string) string {
	r := strings.NewReplacer(".", "_", " ", "_")
	return r.Replace(group)
}

// resolveDeliverOpt translates a SeekPosition into JetStream subscribe
// options, including the empty-topic fallback: Latest on a stream with
// zero messages would otherwise wait for "the next message after whatever
// is currently last", missing the very first append, so an empty stream
// is treated as Earliest instead.
func (l *NatsLog) resolveDeliverOpt(ctx context.Context, topic string, pos SeekPosition) (nats.SubOpt, error) {
	switch pos.Kind {
	case Earliest:
		return nats.DeliverAll(), nil
	case Latest:
		info, err := l.js.StreamInfo(streamName(topic))
		if err != nil {
			return nil, fmt.Errorf("eventlog: stream info: %w", err)
		}
		if info.State.Msgs == 0 {
			return nats.DeliverAll(), nil
		}
		return nats.DeliverNew(), nil
	case AtOffset:
		return nats.StartSequence(uint64(pos.Offset) + 1), nil
	case AtTimestamp:
		t := pos.Timestamp
		return nats.StartTime(t), nil
	case BeforeEventID:
		if l.index == nil {
			return nil, fmt.Errorf("eventlog: BeforeEventID seek requires a catchup index")
		}
		seq, err := l.index.SequenceBefore(ctx, topic, pos.EventID)
		if err != nil {
			return nil, err
		}
		return nats.StartSequence(uint64(seq)), nil
	default:
		return nil, fmt.Errorf("eventlog: unknown seek position kind %d", pos.Kind)
	}
}

// Poll implements Log.
func (l *NatsLog) Poll(ctx context.Context, h ConsumerHandle, max int) ([]Envelope, error) {
	l.mu.Lock()
	sub, ok := l.consumers[h]
	l.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	wait := 5 * time.Second
	if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
		if d := time.Until(deadline); d > 0 {
			wait = d
		}
	}

	msgs, err := sub.Fetch(max, nats.MaxWait(wait))
	if err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("eventlog: fetch: %w", err)
	}

	out := make([]Envelope, 0, len(msgs))
	l.mu.Lock()
	for _, msg := range msgs {
		env, derr := decodeEnvelope(msg.Data)
		if derr != nil {
			slog.Error("eventlog: dropping undecodable message", "error", derr)
			_ = msg.Ack()
			continue
		}
		out = append(out, env)
		l.pending[pendingKey{h, env.ID}] = msg
	}
	l.mu.Unlock()
	return out, nil
}

type pendingKey struct {
	h  ConsumerHandle
	id eventid.ID
}

// Commit implements Log.
func (l *NatsLog) Commit(ctx context.Context, h ConsumerHandle, ids []eventid.ID) error {
	for _, id := range ids {
		key := pendingKey{h, id}
		l.mu.Lock()
		msg, ok := l.pending[key]
		if ok {
			delete(l.pending, key)
		}
		l.mu.Unlock()
		if !ok {
			// Already committed, or committed in a previous process
			// generation; idempotent no-op per the Log contract.
			continue
		}
		if err := msg.Ack(); err != nil {
			return fmt.Errorf("eventlog: ack %s: %w", id.String(), err)
		}
	}
	return nil
}

// Seek implements Log.
func (l *NatsLog) Seek(ctx context.Context, h ConsumerHandle, pos SeekPosition) error {
	l.mu.Lock()
	if sub, ok := l.consumers[h]; ok {
		_ = sub.Unsubscribe()
		delete(l.consumers, h)
	}
	l.mu.Unlock()
	_, err := l.OpenConsumer(ctx, h.Topic, h.Partition, h.Group, pos)
	return err
}

// Close implements Log.
func (l *NatsLog) Close() error {
	l.nc.Close()
	return nil
}

// Reachable reports whether the underlying NATS connection is currently
// connected.
func (l *NatsLog) Reachable() bool {
	return l.nc.Status() == nats.CONNECTED
}
