// Package eventlog implements loomd's persistent, partitioned event log: a
// thin append/poll/commit contract backed by NATS JetStream, plus a
// Postgres-backed index used to answer event-id-keyed seeks and pagination.
package eventlog

import (
	"encoding/json"
	"time"

	"github.com/run-vibes/loomd/pkg/eventid"
)

// Envelope is the unit the log stores and delivers. Payload is opaque to
// the log itself; only ID, Topic, PartitionKey, Kind and ProducedAt are
// ever inspected by eventlog or transport code.
type Envelope struct {
	ID           eventid.ID      `json:"id"`
	Topic        string          `json:"topic"`
	PartitionKey string          `json:"partition_key,omitempty"`
	Kind         string          `json:"kind"`
	ProducedAt   time.Time       `json:"produced_at"`
	Payload      json.RawMessage `json:"payload"`
}

// New builds an Envelope for publishing, stamping it with a fresh ID and
// the current time.
func New(gen *eventid.Generator, topic, partitionKey, kind string, payload json.RawMessage) Envelope {
	return Envelope{
		ID:           gen.Next(),
		Topic:        topic,
		PartitionKey: partitionKey,
		Kind:         kind,
		ProducedAt:   time.Now().UTC(),
		Payload:      payload,
	}
}
