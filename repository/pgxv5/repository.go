package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/3rs4lg4d0/gobus/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

var (
	getSubscriptionsSql          = repository.Rebind(repository.GetSubscriptionsSql, true)
	getOutboxLockRowSql          = repository.Rebind(repository.GetOutboxLockRowSql, true)
	getOutboxEntriesWithLimitSql = repository.Rebind(repository.GetOutboxEntriesWithLimitSql, true)
	getOutboxEntriesSql          = repository.Rebind(repository.GetOutboxEntriesSql, true)
	insertOutboxSql              = repository.Rebind(repository.InsertOutboxSql, true)
	recordFailureSql             = repository.Rebind(repository.RecordFailureSql, true)
	subscribeDispatcherInsertSql = repository.Rebind(repository.SubscribeDispatcherInsertSql, true)
	subscribeDispatcherUpdateSql = repository.Rebind(repository.SubscribeDispatcherUpdateSql, true)
	acquireLockSql               = repository.Rebind(repository.AcquireLockSql, true)
	releaseLockSql               = repository.Rebind(repository.ReleaseLockSql, true)
	updateSubscriptionSql        = repository.Rebind(repository.UpdateSubscriptionSql, true)
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Repository struct {
	txKey  gbus.TxKey
	db     dbpool
	logger gbus.Logger
}

var _ gbus.Loggable = (*Repository)(nil)
var _ gbus.Repository = (*Repository)(nil)
var _ gbus.Transactor = (*Repository)(nil)

func New(txKey gbus.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
		logger: &gbus.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l gbus.Logger) {
	r.logger = l
}

// WithinTransaction runs fn inside a pgx transaction stored in the context
// under the repository txKey. The transaction is committed when fn succeeds
// and rolled back otherwise. If ctx already carries a transaction fn joins it.
func (r *Repository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil {
			r.logger.Error("rolling back the transaction", rerr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}
	return nil
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// implement pgx.Tx interface.
func (r *Repository) Save(ctx context.Context, o *gbus.OutboxRecord) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return fmt.Errorf("%w: a pgx.Tx transaction was expected", gbus.ErrNoTransaction)
	}
	_, err := tx.Exec(ctx, insertOutboxSql, repository.InsertArgs(o)...)
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// AcquireLock obtains a table lock on the 'outbox' table by employing a database lock
// strategy through the use of the auxiliary table 'outbox_lock'.
func (r *Repository) AcquireLock(ctx context.Context, dispatcherId uuid.UUID) (bool, error) {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return false, err
	}
	lockedAt := time.Now()
	if !lock.Available(lockedAt) {
		return false, nil
	}
	lockedUntil := lockedAt.Add(gbus.LockMaxDuration)
	ct, err := r.db.Exec(ctx, acquireLockSql, dispatcherId, lockedAt, lockedUntil, lock.Version+1, lock.Version)
	if err != nil {
		return false, err
	}

	if ct.RowsAffected() == 0 {
		return false, repository.ErrOptimisticLock
	}
	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", dispatcherId.String()))
	return true, nil
}

// ReleaseLock releases the table lock on the 'outbox' table that was acquired by
// the specified dispatcher.
func (r *Repository) ReleaseLock(ctx context.Context, dispatcherId uuid.UUID) error {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return err
	}
	if !lock.Locked || lock.LockedBy.UUID != dispatcherId {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, dispatcherId)
	}
	_, err = r.db.Exec(ctx, releaseLockSql, dispatcherId)
	if err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", dispatcherId.String()))
	return nil
}

// FindInBatches retrieves a limited list of outbox entries to be processed in batches.
func (r *Repository) FindInBatches(ctx context.Context, batchSize int, limit int, fc func([]*gbus.OutboxRecord) error) error {
	var rows pgx.Rows
	var err error

	if limit == -1 {
		rows, err = r.db.Query(ctx, getOutboxEntriesSql)
	} else {
		rows, err = r.db.Query(ctx, getOutboxEntriesWithLimitSql, limit)
	}

	if err != nil {
		return err
	}
	defer rows.Close()

	var ors []*gbus.OutboxRecord
	for rows.Next() {
		var or gbus.OutboxRecord
		err := rows.Scan(&or.ID, &or.EventType, &or.EventVersion, &or.Topic, &or.Key, &or.TraceID, &or.Payload, &or.CreatedAt, &or.Attempts, &or.LastError)
		if err != nil {
			return err
		}
		ors = append(ors, &or)
		if len(ors) == batchSize {
			if err := fc(ors); err != nil {
				return err
			}
			ors = nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ors) > 0 {
		if err := fc(ors); err != nil {
			return err
		}
	}

	return nil
}

// DeleteInBatches deletes the provided records from the outbox table in batches.
func (r *Repository) DeleteInBatches(ctx context.Context, batchSize int, records []uuid.UUID) error {
	for _, batch := range repository.Batches(records, batchSize) {
		_, err := r.db.Exec(ctx, repository.DeleteOutboxSql(len(batch), true), repository.Args(batch)...)
		if err != nil {
			return err
		}
	}

	return nil
}

// RecordFailure increments the delivery attempts of an outbox record and keeps
// the reason of the last failure.
func (r *Repository) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	ct, err := r.db.Exec(ctx, recordFailureSql, reason, id)
	if err != nil {
		return fmt.Errorf("could not record the delivery failure: %w", err)
	}
	if ct.RowsAffected() == 0 {
		r.logger.Warn(fmt.Sprintf("the outbox record '%s' no longer exists", id))
	}
	return nil
}

// SubscribeDispatcher tries to subscribe a dispatcher in the 'outbox_dispatcher_subscription'
// table taking into account the max number of allowed dispatchers. If the subscription is successful
// the function returns the assigned subscription to the caller.
func (r *Repository) SubscribeDispatcher(ctx context.Context, dispatcherId uuid.UUID, maxDispatchers int) (bool, int, error) {
	rows, err := r.db.Query(ctx, getSubscriptionsSql)
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	var subs []repository.Subscription
	for rows.Next() {
		var s repository.Subscription
		err := rows.Scan(&s.ID, &s.DispatcherID, &s.AliveAt, &s.Version)
		if err != nil {
			return false, 0, err
		}
		subs = append(subs, s)
	}

	if err := rows.Err(); err != nil {
		return false, 0, err
	}

	now := time.Now()
	subscriptionId, s := repository.AllocateSubscription(subs, now)
	if subscriptionId > maxDispatchers {
		r.logger.Debug("unable to subscribe due to maximum number of dispatchers reached")
		return false, 0, nil
	}
	if s != nil {
		ct, err := r.db.Exec(ctx, subscribeDispatcherUpdateSql, dispatcherId, now, s.Version+1, s.ID, s.Version)
		if err != nil {
			return false, 0, err
		}
		if ct.RowsAffected() == 0 {
			return false, 0, repository.ErrOptimisticLock
		}
	} else {
		_, err := r.db.Exec(ctx, subscribeDispatcherInsertSql, subscriptionId, dispatcherId, now)
		if err != nil {
			return false, 0, err
		}
	}

	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (r *Repository) UpdateSubscription(ctx context.Context, dispatcherId uuid.UUID) (bool, error) {
	ct, err := r.db.Exec(ctx, updateSubscriptionSql, dispatcherId)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		r.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherId.String()))
		return false, nil
	}
	return true, nil
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (r *Repository) getOutboxLockRow(ctx context.Context) (*repository.Lock, error) {
	var (
		lock        repository.Lock
		lockedBy    pgtype.UUID
		lockedAt    pgtype.Timestamptz
		lockedUntil pgtype.Timestamptz
	)
	err := r.db.QueryRow(ctx, getOutboxLockRowSql).Scan(&lock.ID, &lock.Locked, &lockedBy, &lockedAt, &lockedUntil, &lock.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New("the 'outbox_lock' table is not initialized")
	}
	if err != nil {
		return nil, err
	}
	if lockedBy.Valid {
		lock.LockedBy = uuid.NullUUID{UUID: lockedBy.Bytes, Valid: true}
	}
	if lockedAt.Valid {
		lock.LockedAt = &lockedAt.Time
	}
	if lockedUntil.Valid {
		lock.LockedUntil = &lockedUntil.Time
	}
	return &lock, nil
}
