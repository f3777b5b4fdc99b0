package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/run-vibes/loomd/pkg/eventid"
)

// CatchupIndex mirrors every persisted envelope in Postgres, keyed by
// event_id. It exists because JetStream sequence numbers are per-stream
// and per-subject, while spec-level seeks and firehose pagination are
// keyed by the globally time-ordered event id; the index answers "what
// sequence does event X sit at" and "give me the K events before event X"
// without scanning the broker.
//
// The payload is mirrored here too (not just routing metadata) so that
// FirehoseFetchOlder can serve historical pages directly from Postgres
// instead of reopening a broker consumer per page; the broker remains the
// durable source of truth and the sole path for live delivery.
type CatchupIndex struct {
	pool *pgxpool.Pool
}

// NewCatchupIndex wraps an already-migrated pool.
func NewCatchupIndex(pool *pgxpool.Pool) *CatchupIndex {
	return &CatchupIndex{pool: pool}
}

// Close releases the underlying connection pool.
func (c *CatchupIndex) Close() {
	c.pool.Close()
}

// Record inserts the index row for an envelope that was just appended at
// the given broker sequence number. Called synchronously from Append;
// failures are logged by the caller and do not fail the append itself,
// since the broker is already the durable source of truth.
func (c *CatchupIndex) Record(ctx context.Context, env Envelope, sequence int64) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO event_index (event_id, topic, partition_key, sequence, kind, produced_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`, env.ID.Bytes(), env.Topic, env.PartitionKey, sequence, env.Kind, env.ProducedAt, []byte(env.Payload))
	if err != nil {
		return fmt.Errorf("catchupindex: insert: %w", err)
	}
	return nil
}

// SequenceBefore returns the broker sequence number immediately preceding
// the row for id, for use as a JetStream start-sequence seek.
func (c *CatchupIndex) SequenceBefore(ctx context.Context, topic string, id eventid.ID) (int64, error) {
	var seq int64
	err := c.pool.QueryRow(ctx, `
		SELECT sequence FROM event_index WHERE topic = $1 AND event_id = $2
	`, topic, id.Bytes()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("catchupindex: lookup %s: %w", id.String(), err)
	}
	if seq <= 1 {
		return 1, nil
	}
	return seq - 1, nil
}

// IndexEntry is one row of event-id-keyed pagination data, including the
// original payload so the firehose can replay it without touching the
// broker. Sequence is the broker offset the event held in its partition,
// exposed to clients only as informational metadata — event_id remains
// the authoritative ordering and seek key per spec.
type IndexEntry struct {
	EventID    eventid.ID
	Sequence   int64
	Topic      string
	Kind       string
	ProducedAt time.Time
	Payload    json.RawMessage
}

// Before returns up to limit entries for topic strictly before beforeID,
// ordered oldest-first (ascending event_id), for FirehoseFetchOlder-style
// backward pagination: callers page toward the past by repeatedly setting
// beforeID to the previous call's oldest returned id, and every page reads
// in the same ascending order the primary topic itself is written in.
func (c *CatchupIndex) Before(ctx context.Context, topic string, beforeID eventid.ID, limit int) ([]IndexEntry, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT event_id, sequence, topic, kind, produced_at, payload FROM event_index
		WHERE topic = $1 AND event_id < $2
		ORDER BY event_id DESC
		LIMIT $3
	`, topic, beforeID.Bytes(), limit)
	if err != nil {
		return nil, fmt.Errorf("catchupindex: query before: %w", err)
	}
	defer rows.Close()

	var out []IndexEntry
	for rows.Next() {
		var rawID []byte
		var e IndexEntry
		var payload []byte
		if err := rows.Scan(&rawID, &e.Sequence, &e.Topic, &e.Kind, &e.ProducedAt, &payload); err != nil {
			return nil, fmt.Errorf("catchupindex: scan: %w", err)
		}
		id, err := eventid.FromBytes(rawID)
		if err != nil {
			return nil, err
		}
		e.EventID = id
		e.Payload = payload
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The query above is DESC (newest-first) so LIMIT keeps the K entries
	// closest to beforeID; reverse in place to hand callers ascending
	// event_id order, matching the primary topic's own write order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
