package eventlog

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/run-vibes/loomd/pkg/eventid"
)

// OrderedAppender wraps a Log and a shared Generator so that every caller
// producing envelopes for the same single-partition topic gets ids whose
// order matches their append order: on the primary topic, offset(a) <
// offset(b) must imply event_id(a) < event_id(b), which a bare gen.Next()
// followed by an unsynchronized log.Append cannot guarantee once two
// goroutines race between those two steps. OrderedAppender closes that gap
// by holding id-assignment and the append under the same lock, so the two
// orderings can never invert. Safe for concurrent use.
type OrderedAppender struct {
	Log Log
	Gen *eventid.Generator

	mu sync.Mutex
}

// NewOrderedAppender constructs an OrderedAppender over log using gen for
// id assignment. Every producer that should share event-id/offset
// ordering on the same topic must go through the same OrderedAppender
// (and so the same Generator).
func NewOrderedAppender(log Log, gen *eventid.Generator) *OrderedAppender {
	return &OrderedAppender{Log: log, Gen: gen}
}

// Append builds an envelope with a fresh id and appends it to the log,
// with id assignment and the append itself serialized against every other
// caller of this OrderedAppender. Returns the envelope that was appended
// (its ID is the caller's handle for acks, logging, etc).
func (a *OrderedAppender) Append(ctx context.Context, topic, partitionKey, kind string, payload json.RawMessage) (Envelope, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	env := New(a.Gen, topic, partitionKey, kind, payload)
	if err := a.Log.Append(ctx, env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
