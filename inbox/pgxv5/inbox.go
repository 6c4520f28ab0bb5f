// Package pgxv5 keeps the processed event ids of each consumer in the
// 'inbox' table.
package pgxv5

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	seenSql = "SELECT EXISTS(SELECT 1 FROM inbox WHERE consumer=$1 AND event_id=$2)"
	markSql = "INSERT INTO inbox (consumer, event_id, processed_at) VALUES ($1, $2, $3) ON CONFLICT (consumer, event_id) DO NOTHING"
)

// querier is satisfied by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Inbox struct {
	txKey gbus.TxKey
	db    querier
}

var _ gbus.Inbox = (*Inbox)(nil)

// New creates an Inbox. When the context carries a pgx.Tx under txKey the
// inbox takes part in that transaction.
func New(txKey gbus.TxKey, db querier) *Inbox {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil || reflect.ValueOf(db).IsNil() {
		panic("pool is mandatory")
	}
	return &Inbox{txKey: txKey, db: db}
}

func (i *Inbox) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(i.txKey).(pgx.Tx); ok {
		return tx
	}
	return i.db
}

func (i *Inbox) Seen(ctx context.Context, consumer string, id uuid.UUID) (bool, error) {
	var seen bool
	if err := i.conn(ctx).QueryRow(ctx, seenSql, consumer, id).Scan(&seen); err != nil {
		return false, fmt.Errorf("could not query the inbox: %w", err)
	}
	return seen, nil
}

func (i *Inbox) Mark(ctx context.Context, consumer string, id uuid.UUID) error {
	if _, err := i.conn(ctx).Exec(ctx, markSql, consumer, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("could not write to the inbox: %w", err)
	}
	return nil
}
