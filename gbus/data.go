package gbus

import (
	"time"

	"github.com/google/uuid"
)

// OutboxRecord contains all the information stored in the underlying outbox
// table for a not yet delivered integration event.
type OutboxRecord struct {
	ID           uuid.UUID // event identifier, reused as row identifier
	EventType    string    // schema name (e.g. "OrganizationWhitelisted")
	EventVersion int       // schema version
	Topic        string    // destination topic
	Key          string    // broker partition key
	TraceID      string    // causal trace
	Payload      []byte    // JSON serialized event
	CreatedAt    time.Time
	Attempts     int    // failed delivery attempts so far
	LastError    string // last delivery error, if any
}

// Headers returns the broker headers that travel along with the payload.
func (o *OutboxRecord) Headers() map[string]string {
	return map[string]string{
		HeaderID:           o.ID.String(),
		HeaderEventType:    o.EventType,
		HeaderEventVersion: itoa(o.EventVersion),
		HeaderTraceID:      o.TraceID,
		HeaderCreatedAt:    itoa64(o.CreatedAt.UnixMilli()),
	}
}

// Message headers written by the emitters.
const (
	HeaderID           = "id"
	HeaderEventType    = "eventType"
	HeaderEventVersion = "eventVersion"
	HeaderTraceID      = "traceId"
	HeaderCreatedAt    = "createdAt"
)

// Message is a transport independent view of a consumed broker message.
type Message struct {
	Topic   string
	Key     []byte
	Payload []byte
	Headers map[string]string
}
