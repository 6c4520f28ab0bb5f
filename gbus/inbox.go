package gbus

import (
	"context"

	"github.com/google/uuid"
)

// Inbox remembers which events were already processed by each consumer so
// duplicated deliveries can be absorbed.
type Inbox interface {
	// Seen reports whether the consumer already processed the event.
	Seen(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)

	// Mark records the event as processed by the consumer. Marking twice is
	// not an error.
	Mark(ctx context.Context, consumer string, eventID uuid.UUID) error
}
