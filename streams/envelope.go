package streams

import (
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Envelope is the unit flowing through a stream. ID is assigned by the log on
// append and is monotonically ordered within a stream; an envelope is never
// mutated once appended.
type Envelope struct {
	ID            string
	Stream        string
	Type          string
	Payload       []byte
	ProducedAt    time.Time
	SchemaVersion int
}

const (
	fieldType          = "type"
	fieldPayload       = "payload"
	fieldProducedAt    = "producedAt"
	fieldSchemaVersion = "schemaVersion"
)

func (e Envelope) values() map[string]interface{} {
	return map[string]interface{}{
		fieldType:          e.Type,
		fieldPayload:       string(e.Payload),
		fieldProducedAt:    e.ProducedAt.UnixNano(),
		fieldSchemaVersion: e.SchemaVersion,
	}
}

// EnvelopeFromMessage decodes a raw stream entry. Missing or garbled fields
// are left at their zero value rather than erroring here: a poison entry must
// still reach the per-entry algorithm so it can be quarantined and
// acknowledged instead of wedging the pending set.
func EnvelopeFromMessage(stream string, msg redis.XMessage) Envelope {
	env := Envelope{ID: msg.ID, Stream: stream}
	if v, ok := msg.Values[fieldType].(string); ok {
		env.Type = v
	}
	if v, ok := msg.Values[fieldPayload].(string); ok {
		env.Payload = []byte(v)
	}
	if v, ok := msg.Values[fieldProducedAt].(string); ok {
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			env.ProducedAt = time.Unix(0, ns)
		}
	}
	if v, ok := msg.Values[fieldSchemaVersion].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			env.SchemaVersion = n
		}
	}
	return env
}
