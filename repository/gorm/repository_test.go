package gorm

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/3rs4lg4d0/gobus/repository"
	"github.com/3rs4lg4d0/gobus/test"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDispatcherId uuid.UUID = uuid.New()

func createSqlMockRepository(t *testing.T) (*Repository, *gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return New(test.DefaultCtxKey, gormDB), gormDB, mock
}

func TestNew(t *testing.T) {
	_, gormDB, _ := createSqlMockRepository(t)
	assert.NotPanics(t, func() { New(test.DefaultCtxKey, gormDB) })
	assert.Panics(t, func() { New(nil, gormDB) })
	assert.Panics(t, func() { New(test.DefaultCtxKey, nil) })
}

func TestSave(t *testing.T) {
	record := &gbus.OutboxRecord{ID: uuid.New(), EventType: "OrganizationWhitelisted", EventVersion: 1, Payload: []byte("{}"), CreatedAt: time.Now()}
	testcases := []struct {
		name       string
		inTx       bool
		execErr    error
		wantErr    error
		wantErrMsg string
	}{
		{
			name: "valid context and valid record",
			inTx: true,
		},
		{
			name:       "context without an existing transaction",
			wantErr:    gbus.ErrNoTransaction,
			wantErrMsg: "no transaction found in the context: a *gorm.DB transaction was expected",
		},
		{
			name:       "simulate error when saving",
			inTx:       true,
			execErr:    errors.New("error#1"),
			wantErrMsg: "could not persist the outbox record: error#1",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, gormDB, mock := createSqlMockRepository(t)
			ctx := context.Background()
			if tc.inTx {
				mock.ExpectBegin()
				exp := mock.ExpectExec("INSERT INTO outbox.+").WithArgs(test.GenerateAnyArgsSlice(8)...)
				if tc.execErr != nil {
					exp.WillReturnError(tc.execErr)
				} else {
					exp.WillReturnResult(sqlmock.NewResult(0, 1))
				}
				ctx = context.WithValue(ctx, test.DefaultCtxKey, gormDB.Begin())
			}

			err := repo.Save(ctx, record)

			if tc.wantErrMsg == "" {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, tc.wantErrMsg)
			}
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestWithinTransaction(t *testing.T) {
	testcases := []struct {
		name    string
		fnErr   error
		commit  bool
		wantErr bool
	}{
		{name: "commit", commit: true},
		{name: "rollback", fnErr: errors.New("business error"), wantErr: true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, _, mock := createSqlMockRepository(t)
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO outbox.+").WithArgs(test.GenerateAnyArgsSlice(8)...).WillReturnResult(sqlmock.NewResult(0, 1))
			if tc.commit {
				mock.ExpectCommit()
			} else {
				mock.ExpectRollback()
			}

			err := repo.WithinTransaction(context.Background(), func(ctx context.Context) error {
				if err := repo.Save(ctx, &gbus.OutboxRecord{ID: uuid.New(), Payload: []byte("{}")}); err != nil {
					return err
				}
				return tc.fnErr
			})

			test.AssertError(t, err, tc.wantErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAcquireLock(t *testing.T) {
	const acquireLockSqlRegEx string = "UPDATE outbox_lock SET locked=true.+"
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantAcquired     bool
		wantErr          bool
		wantErrMsg       string
	}{
		{
			name: "lock successfully acquired",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock, testDispatcherId)
				mock.ExpectExec(acquireLockSqlRegEx).WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantAcquired: true,
		},
		{
			name: "lock already acquired",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockLockedOutboxLock(mock, uuid.New())
			},
		},
		{
			name: "simulate error when updating row",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock, testDispatcherId)
				mock.ExpectExec(acquireLockSqlRegEx).WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnError(errors.New("error#3"))
			},
			wantErr:    true,
			wantErrMsg: "error#3",
		},
		{
			name: "simulate 0 rows affected",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock, testDispatcherId)
				mock.ExpectExec(acquireLockSqlRegEx).WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr:    true,
			wantErrMsg: repository.ErrOptimisticLock.Error(),
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, _, mock := createSqlMockRepository(t)
			tc.mockExpectations(mock)

			acquired, err := repo.AcquireLock(context.Background(), testDispatcherId)

			assert.Equal(t, tc.wantAcquired, acquired)
			if tc.wantErr {
				assert.EqualError(t, err, tc.wantErrMsg)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestReleaseLock(t *testing.T) {
	repo, _, mock := createSqlMockRepository(t)
	test.MockLockedOutboxLock(mock, testDispatcherId)
	mock.ExpectExec("UPDATE outbox_lock SET locked=false.+").WithArgs(testDispatcherId).WillReturnResult(sqlmock.NewResult(0, 1))
	test.MockLockedOutboxLock(mock, uuid.New())

	assert.NoError(t, repo.ReleaseLock(context.Background(), testDispatcherId))
	assert.ErrorContains(t, repo.ReleaseLock(context.Background(), testDispatcherId), "unexpected lock status")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindInBatches(t *testing.T) {
	repo, _, mock := createSqlMockRepository(t)
	test.MockOutboxRows(mock, 5)

	var batches []int
	err := repo.FindInBatches(context.Background(), 2, 5, func(ors []*gbus.OutboxRecord) error {
		batches = append(batches, len(ors))
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, batches)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteInBatches(t *testing.T) {
	repo, _, mock := createSqlMockRepository(t)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM outbox WHERE id IN ($1,$2)")).WithArgs(ids[0], ids[1]).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM outbox WHERE id IN ($1)")).WithArgs(ids[2]).WillReturnError(errors.New("error#1"))

	assert.EqualError(t, repo.DeleteInBatches(context.Background(), 2, ids), "error#1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailure(t *testing.T) {
	repo, _, mock := createSqlMockRepository(t)
	id := uuid.New()
	mock.ExpectExec("UPDATE outbox SET attempts").WithArgs("broker nack", id).WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.RecordFailure(context.Background(), id, "broker nack"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribeDispatcher(t *testing.T) {
	testcases := []struct {
		name                 string
		maxDispatchers       int
		mockExpectations     func(sqlmock.Sqlmock)
		wantSuccess          bool
		expectedSubscription int
	}{
		{
			name:           "expired subscription is reused",
			maxDispatchers: 3,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockSubscriptionRowsWithOneExpired(mock)
				mock.ExpectExec("UPDATE outbox_dispatcher_subscription SET dispatcher_id.+").
					WithArgs(testDispatcherId, sqlmock.AnyArg(), 2, 3, 1).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantSuccess:          true,
			expectedSubscription: 3,
		},
		{
			name:           "maximum number of dispatchers reached",
			maxDispatchers: 2,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockSubscriptionRowsAllActive(mock)
			},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, _, mock := createSqlMockRepository(t)
			tc.mockExpectations(mock)

			result, subscription, err := repo.SubscribeDispatcher(context.Background(), testDispatcherId, tc.maxDispatchers)

			assert.NoError(t, err)
			assert.Equal(t, tc.wantSuccess, result)
			assert.Equal(t, tc.expectedSubscription, subscription)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateSubscription(t *testing.T) {
	repo, _, mock := createSqlMockRepository(t)
	mock.ExpectExec("UPDATE outbox_dispatcher_subscription SET alive_at.+").WithArgs(testDispatcherId).WillReturnResult(sqlmock.NewResult(0, 0))

	updated, err := repo.UpdateSubscription(context.Background(), testDispatcherId)

	assert.NoError(t, err)
	assert.False(t, updated)
}
