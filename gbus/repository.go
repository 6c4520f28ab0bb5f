package gbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	LockMaxDuration     = time.Second * 15 // max duration of a table lock on 'outbox_lock'
	SubsExpirationAfter = time.Second * 30 // consider a subscription expired after 30 seconds of inactivity
)

// TxKey is the context key under which the business transaction is stored.
type TxKey any

// Repository manages outbox records persistent operations.
type Repository interface {

	// Save persists an outbox record in the configured external storage.
	// This operation must be called inside an existing business transaction
	// provided in the context.
	Save(ctx context.Context, o *OutboxRecord) error

	// AcquireLock gets a lock on the outbox table. Implementations of this function
	// should use locking mechanisms to ensure that only one client gets the lock.
	AcquireLock(ctx context.Context, dispatcherId uuid.UUID) (bool, error)

	// ReleaseLock releases a lock on the outbox table.
	ReleaseLock(ctx context.Context, dispatcherId uuid.UUID) error

	// FindInBatches retrieves the registered events in the outbox table, oldest
	// first, to be processed in batches (limit -1 means unlimited).
	FindInBatches(ctx context.Context, batchSize int, limit int, fc func([]*OutboxRecord) error) error

	// DeleteInBatches deletes the provided records from the outbox table in batches.
	DeleteInBatches(ctx context.Context, batchSize int, records []uuid.UUID) error

	// RecordFailure increments the delivery attempts of a record and keeps the
	// failure reason.
	RecordFailure(ctx context.Context, record uuid.UUID, reason string) error

	// SubscribeDispatcher tries to create a dispatcher subscription taking into
	// account the maximum allowed dispatchers.
	SubscribeDispatcher(ctx context.Context, dispatcherId uuid.UUID, maxDispatchers int) (subscribed bool, subscription int, err error)

	// UpdateSubscription updates the dispatcher subscription to prevent potential
	// thefts by other dispatchers.
	UpdateSubscription(ctx context.Context, dispatcherId uuid.UUID) (updated bool, err error)
}

// Transactor runs a function inside a business transaction. The transaction
// is available to the function through its context, so Publish and the
// domain repositories can join it. It commits when fn returns nil and rolls
// back otherwise.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// TransactorFunc adapts a function to the Transactor interface.
type TransactorFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f TransactorFunc) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}
