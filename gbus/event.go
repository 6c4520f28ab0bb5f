package gbus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

type traceIDKey struct{}

// Envelope holds the metadata shared by every integration event. It is
// embedded by the concrete events and serialized inline with them.
type Envelope struct {
	ID      uuid.UUID `json:"id"`      // unique per logical occurrence
	TraceID string    `json:"traceId"` // correlates a causal chain across services
	Created time.Time `json:"created"` // wall-clock creation time (UTC)
}

// Meta returns the envelope itself so that embedding it is enough to satisfy
// half of the IntegrationEvent contract.
func (e Envelope) Meta() Envelope {
	return e
}

// IntegrationEvent is a message published by one service for consumption by
// others, marking a completed state change.
type IntegrationEvent interface {
	Meta() Envelope
	Schema() Schema
}

// Keyed can be implemented by events that need a specific broker partition
// key. Events not implementing it are keyed by their identifier.
type Keyed interface {
	PartitionKey() string
}

// NewEnvelope builds a new envelope. The trace id is inherited from the
// context (see WithTraceID), then from the active OpenTelemetry span and
// finally generated when none of them is available.
func NewEnvelope(ctx context.Context) Envelope {
	return Envelope{
		ID:      uuid.New(),
		TraceID: traceIDFrom(ctx),
		Created: time.Now().UTC(),
	}
}

// WithTraceID returns a context carrying the provided trace id, so events
// created with it belong to the same causal chain.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the trace id stored by WithTraceID, if any.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(traceIDKey{}).(string)
	return id, ok && id != ""
}

func traceIDFrom(ctx context.Context) string {
	if id, ok := TraceIDFromContext(ctx); ok {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

// partitionKey resolves the broker key of an event.
func partitionKey(e IntegrationEvent) string {
	if k, ok := e.(Keyed); ok && k.PartitionKey() != "" {
		return k.PartitionKey()
	}
	return e.Meta().ID.String()
}
