package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

// OutboxColumns are the columns of the 'outbox' table, in order.
var OutboxColumns = []string{"id", "event_type", "event_version", "topic", "partition_key", "trace_id", "payload", "created_at", "attempts", "last_error"}

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers
// with every script found in sql/postgres.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, err := find.Repo()
	if err != nil {
		return nil, err
	}
	scripts, err := filepath.Glob(filepath.Join(root.Path, "sql/postgres/*.up.sql"))
	if err != nil {
		return nil, err
	}
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(scripts...),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

func MockUnlockedOutboxLock(mock sqlmock.Sqlmock, dispatcherId uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}).
		AddRow(1, false, dispatcherId.String(), nil, nil, 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

func MockLockedOutboxLock(mock sqlmock.Sqlmock, dispatcherId uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}).
		AddRow(1, true, dispatcherId.String(), time.Now(), time.Now().Add(time.Minute), 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

// MockOutboxRows expects a query on the outbox table returning n rows.
func MockOutboxRows(mock sqlmock.Sqlmock, n int) *sqlmock.Rows {
	rows := sqlmock.NewRows(OutboxColumns)
	for i := 0; i < n; i++ {
		rows.AddRow(uuid.NewString(), "OrganizationWhitelisted", 1, "integration.organization-whitelisted.v1", "12345678", "trace", []byte("{}"), time.Now(), 0, "")
	}
	mock.ExpectQuery("SELECT (.+) FROM outbox ORDER BY created_at ASC.*").WillReturnRows(rows)
	return rows
}

func MockSubscriptionRowsWithOneExpired(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "dispatcher_id", "alive_at", "version"}).
		AddRow(1, uuid.NewString(), time.Now(), 1).
		AddRow(2, uuid.NewString(), time.Now(), 1).
		AddRow(3, uuid.NewString(), time.Now().Add(time.Minute*-1), 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_dispatcher_subscription ORDER BY id ASC").WillReturnRows(rows)
	return rows
}

func MockSubscriptionRowsAllActive(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "dispatcher_id", "alive_at", "version"}).
		AddRow(1, uuid.NewString(), time.Now(), 1).
		AddRow(2, uuid.NewString(), time.Now(), 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_dispatcher_subscription ORDER BY id ASC").WillReturnRows(rows)
	return rows
}
