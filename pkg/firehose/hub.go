// Package firehose implements the live-tail-plus-history subscription
// subsystem: an initial historical batch followed by a live tail, and
// backward pagination keyed by event_id rather than partition-local
// offset so pagination stays contiguous across partition-count changes.
package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/run-vibes/loomd/pkg/eventid"
	"github.com/run-vibes/loomd/pkg/eventlog"
)

// catchupLimit bounds the initial historical batch sent on subscribe.
const catchupLimit = 200

// Hub serves firehose subscriptions over an eventlog.Log, optionally
// backed by a CatchupIndex for event-id pagination.
type Hub struct {
	log   eventlog.Log
	index *eventlog.CatchupIndex
}

// NewHub constructs a Hub. index may be nil, in which case FetchOlder and
// BeforeEventID-based subscribes are unavailable.
func NewHub(log eventlog.Log, index *eventlog.CatchupIndex) *Hub {
	return &Hub{log: log, index: index}
}

// Subscription is a live handle returned by Subscribe; the caller reads
// Events until it is closed, which happens only when the context passed to
// Subscribe is canceled or Close is called. Poll errors are logged and
// retried; they do not close Events.
type Subscription struct {
	Events chan eventlog.Envelope
	cancel context.CancelFunc
}

// Close stops the subscription's poll loop.
func (s *Subscription) Close() { s.cancel() }

// SubscribeWithHistory serves a FirehoseSubscribe{start: Latest} request:
// it reads the initial historical batch from the catchup index, then
// opens a live consumer positioned at Latest so the tail picks up right
// after "now". There is an inherent small race between the two reads (an
// event appended between them may arrive in both the batch and the live
// tail, or in neither) which the at-least-once/idempotent-consumer
// contract absorbs; callers dedupe on event_id.
func (h *Hub) SubscribeWithHistory(ctx context.Context, topic string, historyLimit int) (batch []eventlog.IndexEntry, oldestEventID eventid.ID, hasMore bool, live *Subscription, err error) {
	if h.index != nil {
		batch, oldestEventID, hasMore, err = h.InitialBatch(ctx, topic, historyLimit)
		if err != nil {
			return nil, eventid.Zero, false, nil, err
		}
	}
	live, err = h.Subscribe(ctx, topic, eventlog.AtLatest())
	if err != nil {
		return nil, eventid.Zero, false, nil, err
	}
	return batch, oldestEventID, hasMore, live, nil
}

// Subscribe opens a consumer at pos and starts a background poll loop
// delivering envelopes to Subscription.Events as they arrive. Each caller
// gets its own ephemeral consumer group so that multiple viewers of the
// same topic don't steal each other's messages — firehose viewing is
// fan-out, not competing-consumers.
func (h *Hub) Subscribe(ctx context.Context, topic string, pos eventlog.SeekPosition) (*Subscription, error) {
	group := "firehose-" + uuid.New().String()
	handle, err := h.log.OpenConsumer(ctx, topic, "", group, pos)
	if err != nil {
		return nil, fmt.Errorf("firehose: open consumer: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{Events: make(chan eventlog.Envelope, 256), cancel: cancel}

	go func() {
		defer close(sub.Events)
		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}

			pollCtx, pollCancel := context.WithTimeout(subCtx, 5*time.Second)
			envs, err := h.log.Poll(pollCtx, handle, 64)
			pollCancel()
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				slog.Error("firehose: poll failed", "topic", topic, "error", err)
				time.Sleep(time.Second)
				continue
			}

			var ids []eventid.ID
			for _, env := range envs {
				select {
				case sub.Events <- env:
					ids = append(ids, env.ID)
				case <-subCtx.Done():
					return
				}
			}
			if len(ids) > 0 {
				if err := h.log.Commit(subCtx, handle, ids); err != nil {
					slog.Error("firehose: commit failed", "topic", topic, "error", err)
				}
			}
		}
	}()

	return sub, nil
}

// FetchOlder returns up to limit envelopes for topic strictly before
// beforeID, ordered ascending by event_id, plus whether more remain
// further into the past. Requires a CatchupIndex.
func (h *Hub) FetchOlder(ctx context.Context, topic string, beforeID eventid.ID, limit int) (entries []eventlog.IndexEntry, hasMore bool, err error) {
	if h.index == nil {
		return nil, false, fmt.Errorf("firehose: no catchup index configured")
	}
	if limit <= 0 || limit > catchupLimit {
		limit = catchupLimit
	}
	// Ask for one extra row so we can tell whether older data remains;
	// Before returns ascending event_id order, so the extra (oldest) row
	// sits at index 0 and is trimmed off, keeping the limit rows closest
	// to beforeID.
	rows, err := h.index.Before(ctx, topic, beforeID, limit+1)
	if err != nil {
		return nil, false, err
	}
	if len(rows) > limit {
		return rows[len(rows)-limit:], true, nil
	}
	return rows, false, nil
}

// InitialBatch returns the most recent up-to-limit envelopes on topic,
// ascending by event_id, plus the oldest event id in the batch and
// whether the topic holds more events further into the past than the
// batch covers. Used to seed a firehose subscription with history before
// the live tail starts. Requires a CatchupIndex.
func (h *Hub) InitialBatch(ctx context.Context, topic string, limit int) (entries []eventlog.IndexEntry, oldestEventID eventid.ID, hasMore bool, err error) {
	if limit <= 0 || limit > catchupLimit {
		limit = catchupLimit
	}
	entries, hasMore, err = h.FetchOlder(ctx, topic, eventid.Max, limit)
	if err != nil {
		return nil, eventid.Zero, false, err
	}
	if len(entries) > 0 {
		oldestEventID = entries[0].EventID
	}
	return entries, oldestEventID, hasMore, nil
}
