package eventlog

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/run-vibes/loomd/pkg/eventid"
)

func eventidTimeFromNanos(nanos uint64) time.Time {
	return time.Unix(0, int64(nanos)).UTC()
}

// Wire encoding for broker message bodies: a small fixed-field binary
// header followed by the raw JSON payload, avoiding a second JSON
// marshal/unmarshal pass of the (often large) payload on every hop.
//
//	[16]  event id
//	[8]   produced_at, unix nanoseconds, big-endian
//	[2]   topic length (n1), then n1 bytes of topic
//	[2]   partition key length (n2), then n2 bytes of partition key
//	[2]   kind length (n3), then n3 bytes of kind
//	[...] remaining bytes are the raw JSON payload

func encodeEnvelope(env Envelope) ([]byte, error) {
	topic := []byte(env.Topic)
	partition := []byte(env.PartitionKey)
	kind := []byte(env.Kind)
	if len(topic) > 1<<16-1 || len(partition) > 1<<16-1 || len(kind) > 1<<16-1 {
		return nil, fmt.Errorf("eventlog: topic/partition/kind too long to encode")
	}

	size := eventid.Size + 8 + 2 + len(topic) + 2 + len(partition) + 2 + len(kind) + len(env.Payload)
	buf := make([]byte, size)
	off := 0

	copy(buf[off:], env.ID.Bytes())
	off += eventid.Size

	binary.BigEndian.PutUint64(buf[off:], uint64(env.ProducedAt.UnixNano()))
	off += 8

	off = putField(buf, off, topic)
	off = putField(buf, off, partition)
	off = putField(buf, off, kind)

	copy(buf[off:], env.Payload)
	return buf, nil
}

func putField(buf []byte, off int, field []byte) int {
	binary.BigEndian.PutUint16(buf[off:], uint16(len(field)))
	off += 2
	copy(buf[off:], field)
	return off + len(field)
}

func decodeEnvelope(buf []byte) (Envelope, error) {
	var env Envelope
	if len(buf) < eventid.Size+8+2 {
		return env, fmt.Errorf("eventlog: message too short")
	}

	id, err := eventid.FromBytes(buf[:eventid.Size])
	if err != nil {
		return env, err
	}
	env.ID = id
	off := eventid.Size

	nanos := binary.BigEndian.Uint64(buf[off:])
	off += 8
	env.ProducedAt = eventidTimeFromNanos(nanos)

	topic, off2, err := getField(buf, off)
	if err != nil {
		return env, err
	}
	env.Topic = string(topic)
	off = off2

	partition, off3, err := getField(buf, off)
	if err != nil {
		return env, err
	}
	env.PartitionKey = string(partition)
	off = off3

	kind, off4, err := getField(buf, off)
	if err != nil {
		return env, err
	}
	env.Kind = string(kind)
	off = off4

	env.Payload = append([]byte(nil), buf[off:]...)
	return env, nil
}

func getField(buf []byte, off int) ([]byte, int, error) {
	if off+2 > len(buf) {
		return nil, 0, fmt.Errorf("eventlog: truncated field length")
	}
	n := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+n > len(buf) {
		return nil, 0, fmt.Errorf("eventlog: truncated field body")
	}
	return buf[off : off+n], off + n, nil
}
