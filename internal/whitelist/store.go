package whitelist

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("organization not found")

// Store persists organizations and the whitelist. Implementations join the
// transaction carried by the context, if any.
type Store interface {
	Get(ctx context.Context, tin string) (*Organization, error)
	Save(ctx context.Context, o *Organization) error

	// AddToWhitelist is an upsert: adding a whitelisted tin again does nothing.
	AddToWhitelist(ctx context.Context, tin string, at time.Time) error

	// RemoveFromWhitelist does not fail on tins that are not whitelisted.
	RemoveFromWhitelist(ctx context.Context, tin string) error

	IsWhitelisted(ctx context.Context, tin string) (bool, error)
}
