package whitelist

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/3rs4lg4d0/gobus/test"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newSqlMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()

	t.Run("constructor", func(t *testing.T) {
		db, _ := newSqlMock(t)
		assert.Panics(t, func() { NewSQLStore(nil, db, true) })
		assert.Panics(t, func() { NewSQLStore(test.DefaultCtxKey, nil, true) })
	})

	t.Run("get", func(t *testing.T) {
		db, mock := newSqlMock(t)
		s := NewSQLStore(test.DefaultCtxKey, db, true)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT tin, name, status FROM organizations WHERE tin=$1")).WithArgs("12345678").
			WillReturnRows(sqlmock.NewRows([]string{"tin", "name", "status"}).AddRow("12345678", "ACME", "registered"))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT tin, name, status FROM organizations WHERE tin=$1")).WithArgs("11111111").
			WillReturnRows(sqlmock.NewRows([]string{"tin", "name", "status"}))

		o, err := s.Get(ctx, "12345678")
		require.NoError(t, err)
		assert.Equal(t, &Organization{Tin: "12345678", Name: "ACME", Status: StatusRegistered}, o)
		_, err = s.Get(ctx, "11111111")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("writes inside the context transaction", func(t *testing.T) {
		db, mock := newSqlMock(t)
		s := NewSQLStore(test.DefaultCtxKey, db, false)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(saveOrganizationSql)).WithArgs("12345678", "ACME", "whitelisted").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(addToWhitelistSql)).WithArgs("12345678", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta(removeFromWhitelistSql)).WithArgs("12345678").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta(isWhitelistedSql)).WithArgs("12345678").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectCommit()

		tx, err := db.Begin()
		require.NoError(t, err)
		txCtx := context.WithValue(ctx, test.DefaultCtxKey, tx)
		require.NoError(t, s.Save(txCtx, &Organization{Tin: "12345678", Name: "ACME", Status: StatusWhitelisted}))
		require.NoError(t, s.AddToWhitelist(txCtx, "12345678", time.Now()))
		require.NoError(t, s.RemoveFromWhitelist(txCtx, "12345678"))
		ok, err := s.IsWhitelisted(txCtx, "12345678")
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, tx.Commit())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("write error", func(t *testing.T) {
		db, mock := newSqlMock(t)
		mock.ExpectExec("INSERT INTO whitelist").WillReturnError(errors.New("connection refused"))

		err := NewSQLStore(test.DefaultCtxKey, db, true).AddToWhitelist(ctx, "12345678", time.Now())
		assert.ErrorContains(t, err, "connection refused")
	})
}

func newGormMock(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newSqlMock(t)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return gormDB, mock
}

func TestGormStore(t *testing.T) {
	ctx := context.Background()

	t.Run("constructor", func(t *testing.T) {
		gormDB, _ := newGormMock(t)
		assert.Panics(t, func() { NewGormStore(nil, gormDB) })
		assert.Panics(t, func() { NewGormStore(test.DefaultCtxKey, nil) })
	})

	t.Run("get", func(t *testing.T) {
		gormDB, mock := newGormMock(t)
		s := NewGormStore(test.DefaultCtxKey, gormDB)
		mock.ExpectQuery(`SELECT \* FROM "organizations" WHERE tin = \$1`).
			WillReturnRows(sqlmock.NewRows([]string{"tin", "name", "status"}).AddRow("12345678", "ACME", "whitelisted"))
		mock.ExpectQuery(`SELECT \* FROM "organizations" WHERE tin = \$1`).
			WillReturnRows(sqlmock.NewRows([]string{"tin", "name", "status"}))

		o, err := s.Get(ctx, "12345678")
		require.NoError(t, err)
		assert.Equal(t, &Organization{Tin: "12345678", Name: "ACME", Status: StatusWhitelisted}, o)
		_, err = s.Get(ctx, "11111111")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("upserts", func(t *testing.T) {
		gormDB, mock := newGormMock(t)
		s := NewGormStore(test.DefaultCtxKey, gormDB)
		mock.ExpectExec(`INSERT INTO "organizations" .* ON CONFLICT \("tin"\) DO UPDATE SET`).
			WithArgs("12345678", "ACME", "registered").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO "whitelist" .* ON CONFLICT DO NOTHING`).
			WithArgs("12345678", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`DELETE FROM "whitelist" WHERE tin = \$1`).
			WithArgs("12345678").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT count\(\*\) FROM "whitelist" WHERE tin = \$1`).
			WithArgs("12345678").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		require.NoError(t, s.Save(ctx, &Organization{Tin: "12345678", Name: "ACME", Status: StatusRegistered}))
		require.NoError(t, s.AddToWhitelist(ctx, "12345678", time.Now()))
		require.NoError(t, s.RemoveFromWhitelist(ctx, "12345678"))
		ok, err := s.IsWhitelisted(ctx, "12345678")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("write error", func(t *testing.T) {
		gormDB, mock := newGormMock(t)
		mock.ExpectExec(`INSERT INTO "whitelist"`).WillReturnError(errors.New("connection refused"))

		err := NewGormStore(test.DefaultCtxKey, gormDB).AddToWhitelist(ctx, "12345678", time.Now())
		assert.ErrorContains(t, err, "connection refused")
	})
}
