package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/run-vibes/loomd/pkg/eventid"
)

// Sentinel errors mapped onto the error-handling design's categories.
var (
	// ErrNotReady means the broker is not yet reachable; callers should
	// retry after the supervision readiness wait completes.
	ErrNotReady = errors.New("eventlog: not ready")
	// ErrBackpressured means an Append could not be accepted because the
	// broker (or a bounded channel downstream of it) is saturated.
	ErrBackpressured = errors.New("eventlog: backpressured")
	// ErrNotFound means a seek or commit referenced a consumer or offset
	// that does not exist.
	ErrNotFound = errors.New("eventlog: not found")
	// ErrConflict means a durable consumer group name is already bound by
	// another process with an incompatible seek position.
	ErrConflict = errors.New("eventlog: conflict")
)

// SeekPositionKind discriminates the SeekPosition union.
type SeekPositionKind int

const (
	// Earliest seeks to the first retained message in the topic.
	Earliest SeekPositionKind = iota
	// Latest seeks to the position immediately before the next message to
	// be appended. On an empty topic that position is offset 0, so the
	// first append ever is delivered to the consumer.
	Latest
	// AtOffset seeks to a specific partition-local offset.
	AtOffset
	// BeforeEventID seeks to the position immediately preceding the given
	// event id, resolved via the catchup index since JetStream sequence
	// numbers are partition-local and event ids are not.
	BeforeEventID
	// AtTimestamp seeks to the first message produced at or after the
	// given time.
	AtTimestamp
)

// SeekPosition selects where a consumer starts or resumes reading.
type SeekPosition struct {
	Kind      SeekPositionKind
	Offset    int64
	EventID   eventid.ID
	Timestamp time.Time
}

// AtEarliest, AtLatest, AtOffsetN, Before and AtTime are convenience
// constructors for SeekPosition.
func AtEarliest() SeekPosition { return SeekPosition{Kind: Earliest} }
func AtLatest() SeekPosition   { return SeekPosition{Kind: Latest} }
func AtOffsetN(n int64) SeekPosition {
	return SeekPosition{Kind: AtOffset, Offset: n}
}
func Before(id eventid.ID) SeekPosition {
	return SeekPosition{Kind: BeforeEventID, EventID: id}
}
func AtTime(t time.Time) SeekPosition {
	return SeekPosition{Kind: AtTimestamp, Timestamp: t}
}

// ConsumerHandle identifies an open consumer bound to a topic, partition
// and consumer group.
type ConsumerHandle struct {
	Topic     string
	Partition string
	Group     string
}

// Log is the append/seek/poll/commit contract every broker backend
// implements. Partitioning is by PartitionKey on Envelope; a partition
// with an empty key is the topic's single default partition.
type Log interface {
	// Append persists env to its topic/partition and returns once the
	// broker has durably accepted it (or ErrBackpressured/ErrNotReady).
	Append(ctx context.Context, env Envelope) error

	// OpenConsumer binds (or rebinds) a named consumer group to a topic
	// at the given seek position. Calling it again with the same group
	// name resumes from that group's durable cursor unless pos forces a
	// reseek.
	OpenConsumer(ctx context.Context, topic, partition, group string, pos SeekPosition) (ConsumerHandle, error)

	// Poll fetches up to max envelopes for the consumer, waiting at most
	// until the deadline on ctx for at least one message. Returns an
	// empty, nil-error slice on a timeout with no messages.
	Poll(ctx context.Context, h ConsumerHandle, max int) ([]Envelope, error)

	// Commit advances h's durable cursor past ids. Idempotent: committing
	// the same id twice is a no-op, not an error.
	Commit(ctx context.Context, h ConsumerHandle, ids []eventid.ID) error

	// Seek moves h's cursor to pos without requiring a fresh OpenConsumer
	// call.
	Seek(ctx context.Context, h ConsumerHandle, pos SeekPosition) error

	// Close releases broker-side resources held by the Log.
	Close() error
}
