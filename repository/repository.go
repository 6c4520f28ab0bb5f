// Package repository holds the SQL and the bookkeeping rules shared by the
// outbox repository implementations.
package repository

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/google/uuid"
)

var ErrOptimisticLock = errors.New("race condition detected during the optimistic locking")

const outboxColumns = "id, event_type, event_version, topic, partition_key, trace_id, payload, created_at, attempts, last_error"

// Queries written with '?' placeholders. See Rebind.
const (
	GetSubscriptionsSql          = "SELECT id, dispatcher_id, alive_at, version FROM outbox_dispatcher_subscription ORDER BY id ASC"
	GetOutboxLockRowSql          = "SELECT id, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE id=1"
	GetOutboxEntriesWithLimitSql = "SELECT " + outboxColumns + " FROM outbox ORDER BY created_at ASC LIMIT ?"
	GetOutboxEntriesSql          = "SELECT " + outboxColumns + " FROM outbox ORDER BY created_at ASC"
	InsertOutboxSql              = "INSERT INTO outbox (" + outboxColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '')"
	RecordFailureSql             = "UPDATE outbox SET attempts=attempts+1, last_error=? WHERE id=?"
	SubscribeDispatcherInsertSql = "INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at, version) VALUES (?, ?, ?, 1)"
	SubscribeDispatcherUpdateSql = "UPDATE outbox_dispatcher_subscription SET dispatcher_id=?, alive_at=?, version=? WHERE id=? AND version=?"
	AcquireLockSql               = "UPDATE outbox_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?"
	ReleaseLockSql               = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1 AND locked_by=?"
	UpdateSubscriptionSql        = "UPDATE outbox_dispatcher_subscription SET alive_at=NOW() WHERE dispatcher_id=?"
)

// Rebind converts '?' placeholders into '$n' ones when dollar is set.
func Rebind(query string, dollar bool) string {
	if !dollar {
		return query
	}
	var sb strings.Builder
	count := 0
	for _, r := range query {
		if r == '?' {
			count++
			sb.WriteString("$" + strconv.Itoa(count))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// DeleteOutboxSql returns the statement deleting n outbox records by id.
func DeleteOutboxSql(n int, dollar bool) string {
	placeholders := make([]string, n)
	for i := range placeholders {
		placeholders[i] = "?"
	}
	return Rebind("DELETE FROM outbox WHERE id IN ("+strings.Join(placeholders, ",")+")", dollar)
}

// Batches splits ids in chunks of at most size elements.
func Batches(ids []uuid.UUID, size int) [][]uuid.UUID {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]uuid.UUID
	for i := 0; i < len(ids); i += size {
		end := min(i+size, len(ids))
		out = append(out, ids[i:end])
	}
	return out
}

// Args converts ids into query arguments.
func Args(ids []uuid.UUID) []any {
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return values
}

// InsertArgs returns the arguments of InsertOutboxSql for a record.
func InsertArgs(o *gbus.OutboxRecord) []any {
	return []any{o.ID, o.EventType, o.EventVersion, o.Topic, o.Key, o.TraceID, o.Payload, o.CreatedAt}
}

// Lock is the only row of the 'outbox_lock' table.
type Lock struct {
	ID          int
	Locked      bool
	LockedBy    uuid.NullUUID
	LockedAt    *time.Time
	LockedUntil *time.Time
	Version     int64
}

// Available reports whether the lock can be taken at the given time.
func (l *Lock) Available(now time.Time) bool {
	return !l.Locked || l.LockedUntil == nil || !l.LockedUntil.After(now)
}

func (l *Lock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		l.Locked,
		l.LockedBy.UUID,
		l.LockedAt,
		l.LockedUntil,
		l.Version)
}

// Subscription is a row of the 'outbox_dispatcher_subscription' table.
type Subscription struct {
	ID           int
	DispatcherID uuid.UUID
	AliveAt      time.Time
	Version      int64
}

// AllocateSubscription analyzes the current subscriptions and determines the next
// subscription identifier that can be used for a new dispatcher. If there is an
// expired subscription (determined by AliveAt) it is reused instead of allocating
// a new subscription entry in the 'outbox_dispatcher_subscription' table.
func AllocateSubscription(subs []Subscription, now time.Time) (int, *Subscription) {
	for i := range subs {
		if IsExpired(subs[i], now) {
			return subs[i].ID, &subs[i]
		}
	}
	return len(subs) + 1, nil
}

// IsExpired considers expired the subscriptions whose dispatcher last AliveAt mark
// is older than gbus.SubsExpirationAfter.
func IsExpired(s Subscription, now time.Time) bool {
	return s.AliveAt.Add(gbus.SubsExpirationAfter).Before(now)
}
