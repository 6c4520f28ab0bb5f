// Package redis keeps the processed event ids of each consumer in Redis.
package redis

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 7 * 24 * time.Hour

// client is the subset of redis.UniversalClient used by this package.
type client interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

type Inbox struct {
	client client
	ttl    time.Duration
	prefix string
}

var _ gbus.Inbox = (*Inbox)(nil)

// New creates an Inbox whose entries expire after ttl (DefaultTTL when not
// positive). Duplicates arriving after the expiration are processed again.
func New(c client, ttl time.Duration) *Inbox {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("redis client is mandatory")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Inbox{client: c, ttl: ttl, prefix: "inbox"}
}

func (i *Inbox) key(consumer string, id uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", i.prefix, consumer, id)
}

func (i *Inbox) Seen(ctx context.Context, consumer string, id uuid.UUID) (bool, error) {
	n, err := i.client.Exists(ctx, i.key(consumer, id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (i *Inbox) Mark(ctx context.Context, consumer string, id uuid.UUID) error {
	return i.client.SetNX(ctx, i.key(consumer, id), time.Now().UTC().Format(time.RFC3339), i.ttl).Err()
}
