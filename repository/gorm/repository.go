package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/3rs4lg4d0/gobus/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Repository struct {
	txKey  gbus.TxKey
	db     *gorm.DB
	logger gbus.Logger
}

var _ gbus.Loggable = (*Repository)(nil)
var _ gbus.Repository = (*Repository)(nil)
var _ gbus.Transactor = (*Repository)(nil)

func New(txKey gbus.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &gbus.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l gbus.Logger) {
	r.logger = l
}

// WithinTransaction runs fn inside a gorm transaction stored in the context
// under the repository txKey.
func (r *Repository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, r.txKey, tx))
	})
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of gorm.DB.
func (r *Repository) Save(ctx context.Context, o *gbus.OutboxRecord) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return fmt.Errorf("%w: a *gorm.DB transaction was expected", gbus.ErrNoTransaction)
	}
	err := tx.WithContext(ctx).Exec(repository.InsertOutboxSql, repository.InsertArgs(o)...).Error
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
	res := r.db.WithContext(ctx).Exec(repository.AcquireLockSql, dispatcherId, lockedAt, lockedUntil, lock.Version+1, lock.Version)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
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
	err = r.db.WithContext(ctx).Exec(repository.ReleaseLockSql, dispatcherId).Error
	if err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", dispatcherId.String()))
	return nil
}

// FindInBatches retrieves a limited list of outbox entries to be processed in batches.
func (r *Repository) FindInBatches(ctx context.Context, batchSize int, limit int, fc func([]*gbus.OutboxRecord) error) error {
	var rows *sql.Rows
	var err error
	if limit == -1 {
		rows, err = r.db.WithContext(ctx).Raw(repository.GetOutboxEntriesSql).Rows()
	} else {
		rows, err = r.db.WithContext(ctx).Raw(repository.GetOutboxEntriesWithLimitSql, limit).Rows()
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
		err := r.db.WithContext(ctx).Exec(repository.DeleteOutboxSql(len(batch), false), repository.Args(batch)...).Error
		if err != nil {
			return err
		}
	}

	return nil
}

// RecordFailure increments the delivery attempts of an outbox record and keeps
// the reason of the last failure.
func (r *Repository) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	if err := r.db.WithContext(ctx).Exec(repository.RecordFailureSql, reason, id).Error; err != nil {
		return fmt.Errorf("could not record the delivery failure: %w", err)
	}
	return nil
}

// SubscribeDispatcher tries to subscribe a dispatcher in the 'outbox_dispatcher_subscription'
// table taking into account the max number of allowed dispatchers. If the subscription is successful
// the function returns the assigned subscription to the caller.
func (r *Repository) SubscribeDispatcher(ctx context.Context, dispatcherId uuid.UUID, maxDispatchers int) (bool, int, error) {
	rows, err := r.db.WithContext(ctx).Raw(repository.GetSubscriptionsSql).Rows()
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
		res := r.db.WithContext(ctx).Exec(repository.SubscribeDispatcherUpdateSql, dispatcherId, now, s.Version+1, s.ID, s.Version)
		if res.Error != nil {
			return false, 0, res.Error
		}
		if res.RowsAffected == 0 {
			return false, 0, repository.ErrOptimisticLock
		}
	} else {
		res := r.db.WithContext(ctx).Exec(repository.SubscribeDispatcherInsertSql, subscriptionId, dispatcherId, now)
		if res.Error != nil {
			return false, 0, res.Error
		}
	}

	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (r *Repository) UpdateSubscription(ctx context.Context, dispatcherId uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Exec(repository.UpdateSubscriptionSql, dispatcherId)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		r.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherId.String()))
		return false, nil
	}
	return true, nil
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (r *Repository) getOutboxLockRow(ctx context.Context) (*repository.Lock, error) {
	row := r.db.WithContext(ctx).Raw(repository.GetOutboxLockRowSql).Row()
	var lock repository.Lock
	err := row.Scan(&lock.ID, &lock.Locked, &lock.LockedBy, &lock.LockedAt, &lock.LockedUntil, &lock.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New("the 'outbox_lock' table is not initialized")
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}
