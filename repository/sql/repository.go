package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/3rs4lg4d0/gobus/repository"
	"github.com/google/uuid"
)

const raNotSupported string = "RowsAffected not supported"

type queries struct {
	getSubscriptions          string
	getOutboxLockRow          string
	getOutboxEntriesWithLimit string
	getOutboxEntries          string
	insertOutbox              string
	recordFailure             string
	subscribeDispatcherInsert string
	subscribeDispatcherUpdate string
	acquireLock               string
	releaseLock               string
	updateSubscription        string
}

func newQueries(dollar bool) queries {
	return queries{
		getSubscriptions:          repository.Rebind(repository.GetSubscriptionsSql, dollar),
		getOutboxLockRow:          repository.Rebind(repository.GetOutboxLockRowSql, dollar),
		getOutboxEntriesWithLimit: repository.Rebind(repository.GetOutboxEntriesWithLimitSql, dollar),
		getOutboxEntries:          repository.Rebind(repository.GetOutboxEntriesSql, dollar),
		insertOutbox:              repository.Rebind(repository.InsertOutboxSql, dollar),
		recordFailure:             repository.Rebind(repository.RecordFailureSql, dollar),
		subscribeDispatcherInsert: repository.Rebind(repository.SubscribeDispatcherInsertSql, dollar),
		subscribeDispatcherUpdate: repository.Rebind(repository.SubscribeDispatcherUpdateSql, dollar),
		acquireLock:               repository.Rebind(repository.AcquireLockSql, dollar),
		releaseLock:               repository.Rebind(repository.ReleaseLockSql, dollar),
		updateSubscription:        repository.Rebind(repository.UpdateSubscriptionSql, dollar),
	}
}

type Repository struct {
	txKey     gbus.TxKey
	db        *sql.DB
	useDollar bool
	q         queries
	logger    gbus.Logger
}

var _ gbus.Loggable = (*Repository)(nil)
var _ gbus.Repository = (*Repository)(nil)
var _ gbus.Transactor = (*Repository)(nil)

// New creates a database/sql based repository. Set useDollar for drivers
// expecting '$n' placeholders (like pgx or lib/pq).
func New(txKey gbus.TxKey, db *sql.DB, useDollar bool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}

	return &Repository{
		txKey:     txKey,
		db:        db,
		useDollar: useDollar,
		q:         newQueries(useDollar),
		logger:    &gbus.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l gbus.Logger) {
	r.logger = l
}

// WithinTransaction runs fn inside an *sql.Tx stored in the context under the
// repository txKey, committing it only when fn succeeds.
func (r *Repository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			r.logger.Error("rolling back the transaction", rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}
	return nil
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of sql.Tx.
func (r *Repository) Save(ctx context.Context, o *gbus.OutboxRecord) error {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return fmt.Errorf("%w: an *sql.Tx transaction was expected", gbus.ErrNoTransaction)
	}
	_, err := tx.ExecContext(ctx, r.q.insertOutbox, repository.InsertArgs(o)...)
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
	res, err := r.db.ExecContext(ctx, r.q.acquireLock, dispatcherId, lockedAt, lockedUntil, lock.Version+1, lock.Version)
	if err != nil {
		return false, err
	}

	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	if ra == 0 {
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
	_, err = r.db.ExecContext(ctx, r.q.releaseLock, dispatcherId)
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
		rows, err = r.db.QueryContext(ctx, r.q.getOutboxEntries)
	} else {
		rows, err = r.db.QueryContext(ctx, r.q.getOutboxEntriesWithLimit, limit)
	}

	if err != nil {
		return err
	}
	defer rows.Close()

	return scanInBatches(rows, batchSize, fc)
}

// scanInBatches scans outbox rows and hands them to fc in groups of batchSize.
func scanInBatches(rows *sql.Rows, batchSize int, fc func([]*gbus.OutboxRecord) error) error {
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
		_, err := r.db.ExecContext(ctx, repository.DeleteOutboxSql(len(batch), r.useDollar), repository.Args(batch)...)
		if err != nil {
			return err
		}
	}

	return nil
}

// RecordFailure increments the delivery attempts of an outbox record and keeps
// the reason of the last failure.
func (r *Repository) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.db.ExecContext(ctx, r.q.recordFailure, reason, id)
	if err != nil {
		return fmt.Errorf("could not record the delivery failure: %w", err)
	}
	return nil
}

// SubscribeDispatcher tries to subscribe a dispatcher in the 'outbox_dispatcher_subscription'
// table taking into account the max number of allowed dispatchers. If the subscription is successful
// the function returns the assigned subscription to the caller.
func (r *Repository) SubscribeDispatcher(ctx context.Context, dispatcherId uuid.UUID, maxDispatchers int) (bool, int, error) {
	rows, err := r.db.QueryContext(ctx, r.q.getSubscriptions)
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
		res, err := r.db.ExecContext(ctx, r.q.subscribeDispatcherUpdate, dispatcherId, now, s.Version+1, s.ID, s.Version)
		if err != nil {
			return false, 0, err
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return false, 0, errors.New(raNotSupported)
		}
		if ra == 0 {
			return false, 0, repository.ErrOptimisticLock
		}
	} else {
		_, err := r.db.ExecContext(ctx, r.q.subscribeDispatcherInsert, subscriptionId, dispatcherId, now)
		if err != nil {
			return false, 0, err
		}
	}

	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (r *Repository) UpdateSubscription(ctx context.Context, dispatcherId uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q.updateSubscription, dispatcherId)
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	if ra == 0 {
		r.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherId.String()))
		return false, nil
	}
	return true, nil
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (r *Repository) getOutboxLockRow(ctx context.Context) (*repository.Lock, error) {
	row := r.db.QueryRowContext(ctx, r.q.getOutboxLockRow)
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
